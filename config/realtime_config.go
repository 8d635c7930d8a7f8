package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"realtime_server/pkg/apperr"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	RedisURL    string

	// Supabase
	SupabaseURL          string
	SupabaseAnonKey      string
	JWTSecret            string
	SupabaseAccessToken  string
	SupabaseRefreshToken string

	// Realtime subscription
	RealtimeSchema       string
	NotificationTable    string
	RecordTable          string
	SegmentPrefix        string
	SegmentBefore        int
	SegmentAfter         int
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	JoinCheckDelay       time.Duration
	HeartbeatInterval    time.Duration
	JoinTimeout          time.Duration
	ProbeTimeout         time.Duration
	SegmentHintTTL       time.Duration
	RelayEnabled         bool
	RelayStream          string
	RelayMaxLen          int64

	// SSE
	SSEHeartbeat  time.Duration
	SSEBufferSize int

	// Rate limit for manual reconnects, per minute
	ReconnectRateLimit int

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		SupabaseURL:          strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		SupabaseAnonKey:      getEnv("SUPABASE_ANON_KEY", ""),
		JWTSecret:            getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseAccessToken:  getEnv("SUPABASE_ACCESS_TOKEN", ""),
		SupabaseRefreshToken: getEnv("SUPABASE_REFRESH_TOKEN", ""),

		RealtimeSchema:       getEnv("REALTIME_SCHEMA", "public"),
		NotificationTable:    getEnv("REALTIME_NOTIFICATION_TABLE", "message_notifications"),
		RecordTable:          getEnv("REALTIME_RECORD_TABLE", "conversations"),
		SegmentPrefix:        getEnv("REALTIME_SEGMENT_PREFIX", "messages"),
		SegmentBefore:        getEnvInt("REALTIME_SEGMENT_BEFORE", 1),
		SegmentAfter:         getEnvInt("REALTIME_SEGMENT_AFTER", 2),
		ReconnectBase:        time.Duration(getEnvInt("REALTIME_RECONNECT_BASE_MS", 1000)) * time.Millisecond,
		ReconnectMaxAttempts: getEnvInt("REALTIME_RECONNECT_MAX_ATTEMPTS", 5),
		JoinCheckDelay:       time.Duration(getEnvInt("REALTIME_JOIN_CHECK_SEC", 3)) * time.Second,
		HeartbeatInterval:    time.Duration(getEnvInt("REALTIME_HEARTBEAT_SEC", 25)) * time.Second,
		JoinTimeout:          time.Duration(getEnvInt("REALTIME_JOIN_TIMEOUT_SEC", 10)) * time.Second,
		ProbeTimeout:         time.Duration(getEnvInt("REALTIME_PROBE_TIMEOUT_SEC", 5)) * time.Second,
		SegmentHintTTL:       time.Duration(getEnvInt("REALTIME_HINT_TTL_MIN", 60)) * time.Minute,
		RelayEnabled:         getEnvBool("REALTIME_RELAY_ENABLED", false),
		RelayStream:          getEnv("REALTIME_RELAY_STREAM", "realtime:events"),
		RelayMaxLen:          int64(getEnvInt("REALTIME_RELAY_MAXLEN", 10000)),

		SSEHeartbeat:  time.Duration(getEnvInt("SSE_HEARTBEAT_SEC", 30)) * time.Second,
		SSEBufferSize: getEnvInt("SSE_BUFFER_SIZE", 64),

		ReconnectRateLimit: getEnvInt("RECONNECT_RATE_LIMIT", 5),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the realtime subsystem cannot run without.
func (c *Config) Validate() error {
	if c.SupabaseURL == "" {
		return apperr.ConfigError("SUPABASE_URL is required")
	}
	if c.SupabaseAnonKey == "" {
		return apperr.ConfigError("SUPABASE_ANON_KEY is required")
	}
	if c.ReconnectMaxAttempts < 0 {
		return apperr.ConfigError("REALTIME_RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.SegmentBefore < 0 || c.SegmentAfter < 0 {
		return apperr.ConfigError("REALTIME_SEGMENT_BEFORE/AFTER must not be negative")
	}
	if c.SSEBufferSize <= 0 {
		c.SSEBufferSize = 64
	}
	return nil
}

// RealtimeURL is the websocket endpoint derived from the project URL.
func (c *Config) RealtimeURL() string {
	u := c.SupabaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

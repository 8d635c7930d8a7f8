package bootstrap

import (
	"strings"
	"time"

	"realtime_server/adapter/in/http"
	"realtime_server/config"
	"realtime_server/infra/middleware"
	"realtime_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())
	app.Use(cors.New(corsConfig(cfg)))

	// No auth: probes and scraping
	var redisCheck http.HealthChecker
	if deps.Cache != nil {
		redisCheck = deps.Cache
	}
	http.NewHealthHandler(deps.DB, redisCheck, deps.Supervisor).Register(app)
	app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	var jwks *middleware.JWKSCache
	if cfg.SupabaseURL != "" {
		jwks = middleware.NewJWKSCache(cfg.SupabaseURL, nil)
	}
	api := app.Group("/api/v1/realtime", middleware.JWTAuth(middleware.AuthConfig{
		Secret: cfg.JWTSecret,
		JWKS:   jwks,
	}))

	http.NewSSEHandler(deps.Supervisor, http.SSEConfig{
		Heartbeat:  cfg.SSEHeartbeat,
		BufferSize: cfg.SSEBufferSize,
	}, deps.Metrics, logger.Component("http")).Register(api)

	limiter := middleware.NewRateLimiter(cfg.ReconnectRateLimit, time.Minute)
	status := http.NewStatusHandler(deps.Supervisor, deps.Metrics, logger.Component("http"))
	if deps.Relay != nil {
		status.WithRelay(deps.Relay)
	}
	status.Register(api, limiter.Handler())

	deps.Start()
	return app, cleanup, nil
}

func corsConfig(cfg *config.Config) cors.Config {
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	return cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID,Last-Event-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}
}

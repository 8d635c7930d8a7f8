package bootstrap

import (
	"context"
	"fmt"

	"realtime_server/adapter/out/auth"
	"realtime_server/adapter/out/messaging"
	"realtime_server/adapter/out/persistence"
	rtadapter "realtime_server/adapter/out/realtime"
	"realtime_server/config"
	"realtime_server/core/port/out"
	"realtime_server/core/service/realtime"
	"realtime_server/infra/database"
	"realtime_server/pkg/cache"
	"realtime_server/pkg/logger"
	"realtime_server/pkg/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client
	Cache  *cache.RedisCache

	Metrics *metrics.RealtimeMetrics

	// Adapters
	Channel  *rtadapter.SupabaseChannel
	Sessions *auth.SupabaseSessionProvider
	Segments *persistence.SegmentAdapter
	Relay    *messaging.EventRelay

	// Services
	Resolver   realtime.Resolver
	Supervisor *realtime.Supervisor

	// ctx bounds the background loops started here.
	ctx context.Context
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	deps := &Dependencies{Config: cfg, Metrics: metrics.Default(), ctx: ctx}
	cleanups := []func(){cancel}

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database: pgxpool for health, sqlx for segment lookups
	pgCfg := database.DefaultPostgresConfig()
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, pgCfg)
	if err != nil {
		return fail(fmt.Errorf("postgres: %w", err))
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	sqlDB, err := database.NewSQLX(cfg.DatabaseURL, pgCfg)
	if err != nil {
		return fail(fmt.Errorf("sqlx: %w", err))
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("database connected (pool max=%d)", pgCfg.MaxConns)

	// Redis is optional: without it there are no segment hints and no relay
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			deps.Cache = cache.NewRedisCache(redisClient)
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	// Segment resolution
	deps.Segments = persistence.NewSegmentAdapter(sqlDB, cfg.RealtimeSchema, logger.Component("segment_lookup"))
	base := realtime.NewPartitionResolver(deps.Segments, cfg.ProbeTimeout, logger.Component("resolver"), deps.Metrics)
	deps.Resolver = base
	if deps.Cache != nil {
		var hints out.SegmentHintStore = persistence.NewSegmentHintAdapter(deps.Cache)
		deps.Resolver = realtime.NewHintedResolver(base, hints, cfg.SegmentHintTTL)
	}

	// Session
	deps.Sessions = auth.NewSupabaseSessionProvider(auth.SessionConfig{
		SupabaseURL: cfg.SupabaseURL,
		AnonKey:     cfg.SupabaseAnonKey,
		Logger:      logger.Component("session"),
	})
	if cfg.SupabaseAccessToken != "" || cfg.SupabaseRefreshToken != "" {
		deps.Sessions.SignIn(cfg.SupabaseAccessToken, cfg.SupabaseRefreshToken)
	}
	go deps.Sessions.Run(ctx)

	// Transport
	deps.Channel = rtadapter.NewSupabaseChannel(rtadapter.ChannelConfig{
		URL:               cfg.RealtimeURL(),
		APIKey:            cfg.SupabaseAnonKey,
		HeartbeatInterval: cfg.HeartbeatInterval,
		JoinTimeout:       cfg.JoinTimeout,
		Logger:            logger.Component("supabase_channel"),
	})
	cleanups = append(cleanups, func() { deps.Channel.Close() })

	deps.Supervisor = realtime.Shared(func() *realtime.Supervisor {
		return realtime.NewSupervisor(deps.Channel, deps.Sessions, deps.Resolver, realtime.Options{
			Schema:            cfg.RealtimeSchema,
			NotificationTable: cfg.NotificationTable,
			RecordTable:       cfg.RecordTable,
			Backoff: realtime.Backoff{
				Base:        cfg.ReconnectBase,
				MaxAttempts: cfg.ReconnectMaxAttempts,
			},
			JoinCheckDelay: cfg.JoinCheckDelay,
			Candidates: realtime.MonthlyWindow{
				Prefix: cfg.SegmentPrefix,
				Before: cfg.SegmentBefore,
				After:  cfg.SegmentAfter,
			},
			Logger:  logger.Component("realtime"),
			Metrics: deps.Metrics,
		})
	})
	cleanups = append(cleanups, deps.Supervisor.Cleanup)

	// Relay
	if cfg.RelayEnabled && deps.Redis != nil {
		deps.Relay = messaging.NewEventRelay(deps.Redis, messaging.RelayConfig{
			Stream: cfg.RelayStream,
			MaxLen: cfg.RelayMaxLen,
		}, logger.Component("relay"))
		go deps.Relay.Attach(ctx, deps.Supervisor)
		go deps.Relay.Run(ctx)
		logger.Info("event relay enabled on stream %s", cfg.RelayStream)
	}

	return deps, cleanup, nil
}

// Start warms the realtime connection so the first subscriber does not pay
// for the join.
func (d *Dependencies) Start() {
	go func() {
		if err := d.Supervisor.Initialize(d.ctx); err != nil {
			logger.WithError(err).Warn("initial realtime initialization failed")
		}
	}()
}

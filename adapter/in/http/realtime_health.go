package http

import (
	"context"
	"time"

	"realtime_server/core/port/in"

	"github.com/gofiber/fiber/v2"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db       HealthChecker
	redis    HealthChecker
	realtime in.RealtimeService
}

// NewHealthHandler takes optional dependencies; nil ones report "not configured".
func NewHealthHandler(db, redis HealthChecker, realtime in.RealtimeService) *HealthHandler {
	return &HealthHandler{
		db:       db,
		redis:    redis,
		realtime: realtime,
	}
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready fails on unhealthy storage. A disconnected realtime channel is
// reported but does not fail readiness since the supervisor reconnects on
// its own.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	check := func(name string, dep HealthChecker) {
		if dep == nil {
			checks[name] = "not configured"
			return
		}
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		checks[name] = "healthy"
	}
	check("postgres", h.db)
	check("redis", h.redis)

	if h.realtime != nil {
		switch {
		case h.realtime.ConnectionStatus():
			checks["realtime"] = "connected"
		case h.realtime.InitializationStatus():
			checks["realtime"] = "reconnecting"
		default:
			checks["realtime"] = "not initialized"
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

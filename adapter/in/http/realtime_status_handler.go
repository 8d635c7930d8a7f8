package http

import (
	"context"
	"errors"
	"time"

	"realtime_server/core/port/in"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const reconnectTimeout = 30 * time.Second

// StatusService is the realtime service plus its point-in-time status.
type StatusService interface {
	in.RealtimeService
	Status() in.RealtimeStatus
}

// RelayStatsSource is implemented by the event relay when it is enabled.
type RelayStatsSource interface {
	Stats() in.RelayStats
}

type StatusHandler struct {
	svc     StatusService
	metrics *metrics.RealtimeMetrics
	relay   RelayStatsSource
	log     zerolog.Logger
}

func NewStatusHandler(svc StatusService, m *metrics.RealtimeMetrics, log zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		svc:     svc,
		metrics: m,
		log:     log.With().Str("handler", "realtime_status").Logger(),
	}
}

// WithRelay adds relay counters to the status response.
func (h *StatusHandler) WithRelay(relay RelayStatsSource) *StatusHandler {
	h.relay = relay
	return h
}

// Register mounts the routes; guard wraps the reconnect route (rate limiting).
func (h *StatusHandler) Register(r fiber.Router, guard ...fiber.Handler) {
	r.Get("/status", h.Status)
	handlers := append(append([]fiber.Handler{}, guard...), h.Reconnect)
	r.Post("/reconnect", handlers...)
}

type statusResponse struct {
	in.RealtimeStatus
	Lookup map[string]any `json:"segment_lookup,omitempty"`
	Relay  *in.RelayStats `json:"relay,omitempty"`
}

func (h *StatusHandler) Status(c *fiber.Ctx) error {
	resp := statusResponse{RealtimeStatus: h.svc.Status()}
	if h.metrics != nil {
		resp.Lookup = h.metrics.LookupStats().ToMap()
	}
	if h.relay != nil {
		st := h.relay.Stats()
		resp.Relay = &st
	}
	return c.JSON(resp)
}

func (h *StatusHandler) Reconnect(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), reconnectTimeout)
	defer cancel()

	h.log.Info().Msg("manual reconnect requested")
	if err := h.svc.Reconnect(ctx); err != nil {
		switch {
		case apperr.IsAppError(err):
			return err
		case errors.Is(err, context.DeadlineExceeded):
			return apperr.Timeout("reconnect").WithError(err)
		}
		return apperr.Unavailable("reconnect failed").WithError(err)
	}
	return SuccessResponse(c, h.svc.Status())
}

package http

import (
	"bufio"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultSSEHeartbeat  = 30 * time.Second
	defaultSSEBufferSize = 64
)

type SSEConfig struct {
	Heartbeat  time.Duration
	BufferSize int
}

// =============================================================================
// SSE Handler - one bus listener per stream
// =============================================================================

// SSEHandler streams realtime events to HTTP clients.
type SSEHandler struct {
	svc     in.RealtimeService
	cfg     SSEConfig
	metrics *metrics.RealtimeMetrics
	log     zerolog.Logger
}

func NewSSEHandler(svc in.RealtimeService, cfg SSEConfig, m *metrics.RealtimeMetrics, log zerolog.Logger) *SSEHandler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultSSEHeartbeat
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultSSEBufferSize
	}
	return &SSEHandler{
		svc:     svc,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("handler", "sse").Logger(),
	}
}

func (h *SSEHandler) Register(r fiber.Router) {
	r.Get("/events", h.Stream)
}

// eventFilter narrows a stream to one conversation and/or a set of kinds.
// Connection events always pass the conversation filter.
type eventFilter struct {
	conversationID string
	kinds          map[domain.EventKind]bool
}

func (f eventFilter) match(e domain.Event) bool {
	if len(f.kinds) > 0 && !f.kinds[e.Kind()] {
		return false
	}
	if f.conversationID != "" && e.Kind() != domain.KindConnectionStatusChanged {
		return domain.ConversationIDOf(e) == f.conversationID
	}
	return true
}

// sseClient buffers events for one stream and drops them when the buffer is full.
type sseClient struct {
	id      string
	events  chan domain.Event
	filter  eventFilter
	dropped atomic.Uint64
	log     zerolog.Logger
}

func (cl *sseClient) listen(e domain.Event) {
	if !cl.filter.match(e) {
		return
	}
	select {
	case cl.events <- e:
	default:
		n := cl.dropped.Add(1)
		cl.log.Warn().Str("kind", string(e.Kind())).Uint64("dropped", n).Msg("SSE buffer full, event dropped")
	}
}

// Stream handles GET /events.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	kinds, err := parseKinds(c.Query("kinds"))
	if err != nil {
		return err
	}

	if err := h.svc.Initialize(c.UserContext()); err != nil {
		h.log.Error().Err(err).Msg("realtime initialization failed")
		if apperr.IsAppError(err) {
			return err
		}
		return apperr.Unavailable("realtime connection unavailable").WithError(err)
	}

	client := &sseClient{
		id:     uuid.NewString(),
		events: make(chan domain.Event, h.cfg.BufferSize),
		filter: eventFilter{conversationID: c.Query("conversation_id"), kinds: kinds},
	}
	client.log = h.log.With().Str("client_id", client.id).Logger()
	// taken before registering so a Cleanup in between still ends the stream
	cleared := h.svc.Done()
	unsubscribe := h.svc.AddListener(client.listen)
	h.metrics.SubscriberOpened()

	userID := ""
	if uid, err := GetUserID(c); err == nil {
		userID = uid.String()
	}
	client.log.Info().Str("user_id", userID).Str("conversation_id", client.filter.conversationID).Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	connected := h.svc.ConnectionStatus()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(h.cfg.Heartbeat)
		defer ticker.Stop()
		defer func() {
			unsubscribe()
			h.metrics.SubscriberClosed()
			client.log.Info().Uint64("dropped", client.dropped.Load()).Msg("SSE client disconnected")
		}()

		if err := writeHello(w, client.id, connected); err != nil {
			return
		}
		switch err := pump(w, client.events, ticker.C, cleared); {
		case errors.Is(err, errStreamReset):
			client.log.Info().Msg("realtime listeners cleared, ending SSE stream")
		case err != nil:
			client.log.Debug().Err(err).Msg("SSE stream closed")
		}
	})
	return nil
}

// writeHello sends the initial connected event.
func writeHello(w *bufio.Writer, clientID string, connected bool) error {
	data, _ := json.Marshal(map[string]any{
		"client_id": clientID,
		"connected": connected,
	})
	w.WriteString("event: connected\n")
	w.WriteString("data: ")
	w.Write(data)
	w.WriteString("\n\n")
	return w.Flush()
}

// errStreamReset ends a stream whose listener was dropped by Cleanup. The
// client's EventSource reconnects and the new request initializes again.
var errStreamReset = errors.New("sse: realtime listeners cleared")

// pump writes events and heartbeat comments until a write fails, events is
// closed or cleared is closed. On cleared a reset event is written first.
func pump(w *bufio.Writer, events <-chan domain.Event, heartbeat <-chan time.Time, cleared <-chan struct{}) error {
	var seq uint64
	for {
		select {
		case <-cleared:
			w.WriteString("event: reset\ndata: {}\n\n")
			w.Flush()
			return errStreamReset
		case event, ok := <-events:
			if !ok {
				return nil
			}
			seq++
			if err := writeEvent(w, seq, event); err != nil {
				return err
			}
		case <-heartbeat:
			w.WriteString(": heartbeat\n\n")
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w *bufio.Writer, seq uint64, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		// unencodable events are skipped, the stream stays open
		return nil
	}
	w.WriteString("event: ")
	w.WriteString(string(event.Kind()))
	w.WriteString("\nid: ")
	w.WriteString(strconv.FormatUint(seq, 10))
	w.WriteString("\ndata: ")
	w.Write(data)
	w.WriteString("\n\n")
	return w.Flush()
}

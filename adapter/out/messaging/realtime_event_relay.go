// Package messaging relays realtime events onto Redis streams.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultRelayStream = "realtime:events"
	DefaultRelayMaxLen = 10000

	relayBuffer       = 256
	relayWriteTimeout = 2 * time.Second
)

// streamAdder is the slice of redis.UniversalClient the relay needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type RelayConfig struct {
	Stream string
	MaxLen int64
	Buffer int
}

// relayEnvelope is the stream entry body.
type relayEnvelope struct {
	Kind           domain.EventKind `json:"kind"`
	ConversationID string           `json:"conversation_id,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Event          domain.Event     `json:"event"`
}

// EventRelay appends every bus event to a Redis stream. Emit never blocks on
// Redis: events are queued and written by Run, and dropped when the queue is full.
type EventRelay struct {
	client streamAdder
	cfg    RelayConfig
	log    zerolog.Logger

	queue chan domain.Event

	mu          sync.Mutex
	dropped     uint64
	written     uint64
	attachments uint64
}

func NewEventRelay(client streamAdder, cfg RelayConfig, log zerolog.Logger) *EventRelay {
	if cfg.Stream == "" {
		cfg.Stream = DefaultRelayStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultRelayMaxLen
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = relayBuffer
	}
	return &EventRelay{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "event_relay").Str("stream", cfg.Stream).Logger(),
		queue:  make(chan domain.Event, cfg.Buffer),
	}
}

// Listener is registered on the event bus.
func (r *EventRelay) Listener() in.Listener {
	return func(event domain.Event) {
		select {
		case r.queue <- event:
		default:
			r.mu.Lock()
			r.dropped++
			n := r.dropped
			r.mu.Unlock()
			r.log.Warn().Str("kind", string(event.Kind())).Uint64("dropped", n).Msg("relay queue full, event dropped")
		}
	}
}

// ListenerHost is the part of the realtime service the relay attaches to.
type ListenerHost interface {
	AddListener(fn in.Listener) (unsubscribe func())
	Done() <-chan struct{}
}

// Attach keeps the relay listener registered on host until ctx is done.
// Cleanup drops every bus listener, so the listener is added again each time
// host signals Done.
func (r *EventRelay) Attach(ctx context.Context, host ListenerHost) {
	listener := r.Listener()
	for {
		done := host.Done()
		unsubscribe := host.AddListener(listener)
		select {
		case <-ctx.Done():
			unsubscribe()
			return
		case <-done:
			r.mu.Lock()
			r.attachments++
			r.mu.Unlock()
			r.log.Info().Msg("realtime listeners cleared, relay re-attached")
		}
	}
}

// Run drains the queue until ctx is done, then flushes what is already queued.
func (r *EventRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case event := <-r.queue:
			r.write(ctx, event)
		}
	}
}

func (r *EventRelay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
	defer cancel()
	for {
		select {
		case event := <-r.queue:
			r.write(ctx, event)
		default:
			return
		}
	}
}

func (r *EventRelay) write(ctx context.Context, event domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()

	if err := r.Publish(ctx, event); err != nil {
		r.log.Error().Err(err).Str("kind", string(event.Kind())).Msg("relay write failed")
		return
	}
	r.mu.Lock()
	r.written++
	r.mu.Unlock()
}

// Publish writes a single event synchronously.
func (r *EventRelay) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(relayEnvelope{
		Kind:           event.Kind(),
		ConversationID: domain.ConversationIDOf(event),
		OccurredAt:     event.OccurredAt(),
		Event:          event,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		MaxLen: r.cfg.MaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"kind": string(event.Kind()),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.cfg.Stream, err)
	}
	return nil
}

// Stats is reported on the status endpoint.
func (r *EventRelay) Stats() in.RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return in.RelayStats{
		Stream:     r.cfg.Stream,
		Written:    r.written,
		Dropped:    r.dropped,
		Queued:     len(r.queue),
		Reattached: r.attachments,
	}
}

package realtime

import (
	"sync"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/pkg/metrics"

	"github.com/rs/zerolog"
)

type listenerEntry struct {
	id uint64
	fn in.Listener
}

// EventBus fans domain events out to registered listeners.
// Emit iterates a snapshot, so listeners may add or remove listeners while
// being called.
type EventBus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listenerEntry

	log     zerolog.Logger
	metrics *metrics.RealtimeMetrics
}

func NewEventBus(log zerolog.Logger, m *metrics.RealtimeMetrics) *EventBus {
	return &EventBus{
		log:     log.With().Str("component", "realtime.bus").Logger(),
		metrics: m,
	}
}

// AddListener registers fn and returns a function that removes it.
// Each call is a separate registration; calling the returned function more
// than once is a no-op.
func (b *EventBus) AddListener(fn in.Listener) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			// copy so an in-progress snapshot is never mutated
			next := make([]listenerEntry, 0, len(b.listeners)-1)
			next = append(next, b.listeners[:i]...)
			b.listeners = append(next, b.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers event to every listener registered at the time of the call.
func (b *EventBus) Emit(event domain.Event) {
	if event == nil {
		return
	}

	b.mu.Lock()
	snapshot := b.listeners
	b.mu.Unlock()

	b.metrics.EventEmitted(string(event.Kind()))
	for _, l := range snapshot {
		b.deliver(l, event)
	}
}

func (b *EventBus) deliver(l listenerEntry, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.ListenerPanicked()
			b.log.Error().
				Interface("panic", r).
				Uint64("listener", l.id).
				Str("kind", string(event.Kind())).
				Msg("listener panicked")
		}
	}()
	l.fn(event)
}

func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Clear drops every listener.
func (b *EventBus) Clear() {
	b.mu.Lock()
	b.listeners = nil
	b.mu.Unlock()
}

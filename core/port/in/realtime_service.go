package in

import (
	"context"

	"realtime_server/core/domain"
)

// Listener receives domain events.
type Listener func(event domain.Event)

// RealtimeService is the surface the subscriber adapters use.
type RealtimeService interface {
	Initialize(ctx context.Context) error
	Reconnect(ctx context.Context) error
	AddListener(fn Listener) (unsubscribe func())
	ConnectionStatus() bool
	InitializationStatus() bool
	Cleanup()
	// Done is closed by the next Cleanup, which also drops every listener.
	Done() <-chan struct{}
}

// RealtimeStatus is a point-in-time view of the supervisor.
type RealtimeStatus struct {
	Connected   bool   `json:"connected"`
	Initialized bool   `json:"initialized"`
	State       string `json:"state"`
	InitPhase   string `json:"init_phase"`
	Attempts    int    `json:"reconnect_attempts"`
	Listeners   int    `json:"listeners"`
	ChannelID   string `json:"channel_id,omitempty"`
}

// RelayStats reports the event relay's stream writes.
type RelayStats struct {
	Stream     string `json:"stream"`
	Written    uint64 `json:"written"`
	Dropped    uint64 `json:"dropped"`
	Queued     int    `json:"queued"`
	Reattached uint64 `json:"reattached"`
}

package out

import (
	"errors"
	"time"

	"realtime_server/core/domain"

	"github.com/goccy/go-json"
)

// ChangeEventAll subscribes to every change type on a table.
const ChangeEventAll = "*"

// SubscriptionSpec selects one backend change feed.
type SubscriptionSpec struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChangeEvent is one decoded change from a subscribed feed.
type ChangeEvent struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            string          `json:"type"` // INSERT, UPDATE, DELETE
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// ChangeHandler receives change events for a subscription.
type ChangeHandler func(handle ChannelHandle, ev ChangeEvent)

// StatusCallback is invoked asynchronously and repeatedly as the channel status changes.
type StatusCallback func(handle ChannelHandle, status domain.ChannelStatus, err error)

// ChannelHandle identifies one logical subscription.
type ChannelHandle interface {
	ID() string
	// Joined reports whether the backend confirmed the subscription.
	Joined() bool
}

var ErrChannelClosed = errors.New("realtime channel closed")

// RealtimeChannel is the backend change-data-capture transport.
type RealtimeChannel interface {
	// Subscribe opens one logical subscription covering all specs.
	Subscribe(specs []SubscriptionSpec, onChange ChangeHandler, onStatus StatusCallback) (ChannelHandle, error)

	// RemoveChannel tears the subscription down. Removing an unknown handle is a no-op.
	RemoveChannel(handle ChannelHandle) error

	// SetAuth applies the access token to the transport and every joined channel.
	SetAuth(token string)
}

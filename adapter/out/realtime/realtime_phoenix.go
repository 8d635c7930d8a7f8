package realtime

import (
	"time"

	"github.com/goccy/go-json"
)

// Phoenix channel events used by Supabase Realtime.
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventAccessToken     = "access_token"
	eventPostgresChanges = "postgres_changes"
	eventSystem          = "system"

	topicPhoenix = "phoenix"
	topicPrefix  = "realtime:"

	replyOK = "ok"
)

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

func (f frame) ref() string {
	if f.Ref == nil {
		return ""
	}
	return *f.Ref
}

type outFrame struct {
	Topic   string  `json:"topic"`
	Event   string  `json:"event"`
	Payload any     `json:"payload"`
	Ref     string  `json:"ref"`
	JoinRef *string `json:"join_ref,omitempty"`
}

type postgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast       map[string]bool        `json:"broadcast"`
	Presence        map[string]string      `json:"presence"`
	PostgresChanges []postgresChangeFilter `json:"postgres_changes"`
	Private         bool                   `json:"private"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type replyError struct {
	Reason string `json:"reason"`
}

type systemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
}

type changesPayload struct {
	IDs  []int64     `json:"ids"`
	Data changesData `json:"data"`
}

type changesData struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            string          `json:"type"`
	EventType       string          `json:"eventType"`
	CommitTimestamp string          `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	Errors          json.RawMessage `json:"errors"`
}

func (d changesData) committedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, d.CommitTimestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d changesData) changeType() string {
	if d.Type != "" {
		return d.Type
	}
	return d.EventType
}

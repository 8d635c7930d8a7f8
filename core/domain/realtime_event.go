package domain

import "time"

// =============================================================================
// Event - domain events fanned out to subscribers
// =============================================================================

type EventKind string

const (
	KindMessageReceived         EventKind = "message.received"
	KindConversationUpdated     EventKind = "conversation.updated"
	KindConnectionStatusChanged EventKind = "connection.status"
)

// Event is a closed set: MessageReceived, ConversationUpdated, ConnectionStatusChanged.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
	isEvent()
}

type MessageReceived struct {
	Message *Message  `json:"message"`
	At      time.Time `json:"at"`
}

func (e MessageReceived) Kind() EventKind       { return KindMessageReceived }
func (e MessageReceived) OccurredAt() time.Time { return e.At }
func (MessageReceived) isEvent()                {}

type ConversationUpdated struct {
	Conversation *Conversation `json:"conversation"`
	// Change is the backend change type (INSERT, UPDATE, DELETE).
	Change string    `json:"change"`
	At     time.Time `json:"at"`
}

func (e ConversationUpdated) Kind() EventKind       { return KindConversationUpdated }
func (e ConversationUpdated) OccurredAt() time.Time { return e.At }
func (ConversationUpdated) isEvent()                {}

type ConnectionStatusChanged struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

func (e ConnectionStatusChanged) Kind() EventKind       { return KindConnectionStatusChanged }
func (e ConnectionStatusChanged) OccurredAt() time.Time { return e.At }
func (ConnectionStatusChanged) isEvent()                {}

// ConversationIDOf returns the conversation an event belongs to, or "" for
// connection events.
func ConversationIDOf(e Event) string {
	switch ev := e.(type) {
	case MessageReceived:
		if ev.Message != nil {
			return ev.Message.ConversationID
		}
	case ConversationUpdated:
		if ev.Conversation != nil {
			return ev.Conversation.ID
		}
	}
	return ""
}

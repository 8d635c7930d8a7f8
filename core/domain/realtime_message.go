package domain

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// =============================================================================
// Message - WhatsApp conversation message (full record)
// =============================================================================

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
	SenderBot      SenderType = "chatbot"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
	ContentTemplate ContentType = "template"
)

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message is stored in exactly one time-bounded segment (monthly table).
type Message struct {
	ID                string            `json:"id" db:"id"`
	ConversationID    string            `json:"conversation_id" db:"conversation_id"`
	SenderType        SenderType        `json:"sender_type" db:"sender_type"`
	ContentType       ContentType       `json:"content_type" db:"content_type"`
	TextContent       *string           `json:"text_content,omitempty" db:"text_content"`
	MediaURL          *string           `json:"media_url,omitempty" db:"media_url"`
	TemplateName      *string           `json:"template_name,omitempty" db:"template_name"`
	TemplateVariables map[string]string `json:"template_variables,omitempty" db:"-"`
	Timestamp         time.Time         `json:"timestamp" db:"timestamp"`
	Status            MessageStatus     `json:"status" db:"status"`
	ErrorMessage      *string           `json:"error_message,omitempty" db:"error_message"`
}

// IsOutbound reports whether the message was sent by our side of the conversation.
func (m *Message) IsOutbound() bool {
	return m.SenderType != SenderCustomer
}

// =============================================================================
// Conversation - primary record feed
// =============================================================================

type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationClosed  ConversationStatus = "closed"
	ConversationPending ConversationStatus = "pending"
	ConversationDeleted ConversationStatus = "deleted"
)

type Conversation struct {
	ID              string             `json:"id"`
	ContactPhone    string             `json:"contact_phone"`
	ContactName     *string            `json:"contact_name,omitempty"`
	BusinessNumber  string             `json:"business_whatsapp_number_id,omitempty"`
	Status          ConversationStatus `json:"status"`
	AssignedAgentID *string            `json:"assigned_agent_id,omitempty"`
	LastMessageAt   *time.Time         `json:"last_message_at,omitempty"`
	UnreadCount     int                `json:"unread_count"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// =============================================================================
// ChangeNotification - announces a new message, not its content
// =============================================================================

// ChangeNotification is decoded from the notification feed. The row it points to
// lives in one of the message segments; which one is not stated.
type ChangeNotification struct {
	RecordID  string    `json:"message_id"`
	ParentID  string    `json:"conversation_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the notification identifies a record.
func (n *ChangeNotification) Valid() bool {
	return n != nil && n.RecordID != ""
}

// =============================================================================
// Segments
// =============================================================================

// SegmentID names one time-bounded storage segment (e.g. "messages_2025_03").
type SegmentID string

func (s SegmentID) String() string { return string(s) }

// MonthSegment returns the segment identifier for the month containing t.
func MonthSegment(prefix string, t time.Time) SegmentID {
	t = t.UTC()
	month := int(t.Month())
	m := strconv.Itoa(month)
	if month < 10 {
		m = "0" + m
	}
	return SegmentID(prefix + "_" + strconv.Itoa(t.Year()) + "_" + m)
}

// DecodeTemplateVariables parses the JSON template_variables column.
func DecodeTemplateVariables(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	vars := make(map[string]string)
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

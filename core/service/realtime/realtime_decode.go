package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
)

var errEmptyRecord = errors.New("change event has no record")

// Postgres renders timestamps with or without a zone depending on column type.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type notificationRow struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      string `json:"created_at"`
}

func decodeNotification(ev out.ChangeEvent) (domain.ChangeNotification, error) {
	if len(ev.Record) == 0 {
		return domain.ChangeNotification{}, errEmptyRecord
	}

	var row notificationRow
	if err := json.Unmarshal(ev.Record, &row); err != nil {
		return domain.ChangeNotification{}, fmt.Errorf("decode notification: %w", err)
	}

	n := domain.ChangeNotification{
		RecordID:  row.MessageID,
		ParentID:  row.ConversationID,
		CreatedAt: parseTimestamp(row.CreatedAt),
	}
	if !n.Valid() {
		return n, errors.New("notification has no message_id")
	}
	return n, nil
}

type conversationRow struct {
	ID              string  `json:"id"`
	ContactPhone    string  `json:"contact_phone"`
	ContactName     *string `json:"contact_name"`
	BusinessNumber  string  `json:"business_whatsapp_number_id"`
	Status          string  `json:"status"`
	AssignedAgentID *string `json:"assigned_agent_id"`
	LastMessageAt   *string `json:"last_message_at"`
	UnreadCount     int     `json:"unread_count"`
	UpdatedAt       string  `json:"updated_at"`
}

// decodeConversation reads the row image; DELETE events only carry old_record.
func decodeConversation(ev out.ChangeEvent) (*domain.Conversation, error) {
	raw := ev.Record
	if strings.EqualFold(ev.Type, "DELETE") || len(raw) == 0 || string(raw) == "{}" {
		raw = ev.OldRecord
	}
	if len(raw) == 0 {
		return nil, errEmptyRecord
	}

	var row conversationRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if row.ID == "" {
		return nil, errors.New("conversation has no id")
	}

	conv := &domain.Conversation{
		ID:              row.ID,
		ContactPhone:    row.ContactPhone,
		ContactName:     row.ContactName,
		BusinessNumber:  row.BusinessNumber,
		Status:          domain.ConversationStatus(row.Status),
		AssignedAgentID: row.AssignedAgentID,
		UnreadCount:     row.UnreadCount,
		UpdatedAt:       parseTimestamp(row.UpdatedAt),
	}
	if row.LastMessageAt != nil {
		if t := parseTimestamp(*row.LastMessageAt); !t.IsZero() {
			conv.LastMessageAt = &t
		}
	}
	if strings.EqualFold(ev.Type, "DELETE") {
		conv.Status = domain.ConversationDeleted
	}
	return conv, nil
}

package realtime

import (
	"testing"
	"time"

	"realtime_server/core/port/out"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-15T10:00:00Z", want},
		{"2025-03-15T10:00:00+00:00", want},
		{"2025-03-15T12:00:00+02:00", want},
		{"2025-03-15T10:00:00", want},
		{"2025-03-15 10:00:00+00", want},
		{"2025-03-15 10:00:00", want},
		{"", time.Time{}},
		{"yesterday", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseTimestamp(tt.in); !got.Equal(tt.want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name    string
		record  string
		wantErr bool
	}{
		{"valid", `{"message_id":"m1","conversation_id":"c1","created_at":"2025-03-15T10:00:00Z"}`, false},
		{"no message id", `{"conversation_id":"c1"}`, true},
		{"malformed", `{`, true},
		{"empty", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := decodeNotification(out.ChangeEvent{Record: []byte(tt.record)})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (n.RecordID != "m1" || n.ParentID != "c1" || n.CreatedAt.IsZero()) {
				t.Errorf("notification = %+v", n)
			}
		})
	}
}

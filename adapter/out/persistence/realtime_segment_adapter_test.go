package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestClassifyLookupError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, out.ErrRecordNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", sql.ErrNoRows), out.ErrRecordNotFound},
		{"pgx undefined table", &pgconn.PgError{Code: "42P01", Message: `relation "messages_2031_01" does not exist`}, out.ErrSegmentNotFound},
		{"other pg error", &pgconn.PgError{Code: "57014"}, nil},
		{"network", errors.New("connection reset"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyLookupError(tt.err)
			if tt.want == nil {
				if errors.Is(got, out.ErrRecordNotFound) || errors.Is(got, out.ErrSegmentNotFound) {
					t.Errorf("classifyLookupError() = %v, want a plain failure", got)
				}
				if !apperr.HasCode(got, apperr.CodeDatabaseError) || !errors.Is(got, tt.err) {
					t.Errorf("classifyLookupError() = %v, want a database error wrapping the cause", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyLookupError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSegmentAdapter_PointQueryQuotesIdentifiers(t *testing.T) {
	a := NewSegmentAdapter(nil, "chat", zerolog.Nop())
	q := a.pointQuery(`messages_2025_03"; DROP TABLE x; --`)

	if !strings.Contains(q, `FROM "chat"."messages_2025_03""; DROP TABLE x; --"`) {
		t.Errorf("query does not quote the segment: %s", q)
	}
}

func TestSegmentAdapter_EmptyArgumentsMiss(t *testing.T) {
	a := NewSegmentAdapter(nil, "", zerolog.Nop())
	if _, err := a.PointLookup(context.Background(), "", "m1"); !errors.Is(err, out.ErrRecordNotFound) {
		t.Errorf("PointLookup(empty segment) error = %v", err)
	}
}

func TestMessageRow_ToDomain(t *testing.T) {
	ts := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	row := messageRow{
		ID:                "m1",
		ConversationID:    "c1",
		SenderType:        "customer",
		ContentType:       "template",
		TemplateName:      sql.NullString{String: "welcome", Valid: true},
		TemplateVariables: []byte(`{"1":"Ana"}`),
		Timestamp:         ts,
		Status:            "delivered",
	}

	msg, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain() error = %v", err)
	}
	if msg.TextContent != nil || msg.TemplateName == nil || *msg.TemplateName != "welcome" {
		t.Errorf("nullable columns mapped wrong: %+v", msg)
	}
	if msg.TemplateVariables["1"] != "Ana" {
		t.Errorf("template variables = %v", msg.TemplateVariables)
	}
	if msg.IsOutbound() || msg.Status != domain.MessageDelivered {
		t.Errorf("message = %+v", msg)
	}

	row.TemplateVariables = []byte(`[`)
	if _, err := row.toDomain(); err == nil {
		t.Error("expected error for malformed template_variables")
	}
}

type memCache map[string]string

func (m memCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	m[key] = value
	return nil
}

func TestSegmentHintAdapter(t *testing.T) {
	cache := memCache{}
	a := NewSegmentHintAdapter(cache)
	ctx := context.Background()

	if _, ok, err := a.GetSegmentHint(ctx, "m1"); ok || err != nil {
		t.Fatalf("GetSegmentHint() on empty cache = %v, %v", ok, err)
	}
	if err := a.SetSegmentHint(ctx, "m1", "messages_2025_03", time.Hour); err != nil {
		t.Fatalf("SetSegmentHint() error = %v", err)
	}
	if cache["realtime:segment:m1"] != "messages_2025_03" {
		t.Errorf("cache = %v", cache)
	}
	seg, ok, err := a.GetSegmentHint(ctx, "m1")
	if err != nil || !ok || seg != "messages_2025_03" {
		t.Errorf("GetSegmentHint() = %q, %v, %v", seg, ok, err)
	}
}

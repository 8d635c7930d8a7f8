package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// undefined_table
const pgUndefinedTable = "42P01"

// SegmentAdapter implements out.SegmentLookup against monthly message tables.
type SegmentAdapter struct {
	db     *sqlx.DB
	schema string
	cb     *gobreaker.CircuitBreaker
	log    zerolog.Logger
}

var _ out.SegmentLookup = (*SegmentAdapter)(nil)

func NewSegmentAdapter(db *sqlx.DB, schema string, log zerolog.Logger) *SegmentAdapter {
	if schema == "" {
		schema = "public"
	}
	log = log.With().Str("component", "segment_adapter").Logger()

	cbSettings := gobreaker.Settings{
		Name:        "segment-lookup",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// misses are answers, not failures
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, out.ErrRecordNotFound) || errors.Is(err, out.ErrSegmentNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &SegmentAdapter{
		db:     db,
		schema: schema,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
		log:    log,
	}
}

func (a *SegmentAdapter) PointLookup(ctx context.Context, segment domain.SegmentID, recordID string) (*domain.Message, error) {
	if segment == "" || recordID == "" {
		return nil, out.ErrRecordNotFound
	}

	res, err := a.cb.Execute(func() (interface{}, error) {
		var row messageRow
		if err := a.db.GetContext(ctx, &row, a.pointQuery(segment), recordID); err != nil {
			return nil, classifyLookupError(err)
		}
		return row.toDomain()
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Message), nil
}

func (a *SegmentAdapter) pointQuery(segment domain.SegmentID) string {
	return fmt.Sprintf(`
		SELECT id, conversation_id, sender_type, content_type, text_content,
		       media_url, template_name, template_variables, timestamp,
		       status, error_message
		FROM %s.%s
		WHERE id = $1
		LIMIT 1`,
		pq.QuoteIdentifier(a.schema), pq.QuoteIdentifier(string(segment)))
}

// classifyLookupError maps driver errors onto the lookup sentinels.
func classifyLookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return out.ErrRecordNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %s", out.ErrSegmentNotFound, pgErr.Message)
	}
	return apperr.DatabaseError("point lookup", err)
}

type messageRow struct {
	ID                string         `db:"id"`
	ConversationID    string         `db:"conversation_id"`
	SenderType        string         `db:"sender_type"`
	ContentType       string         `db:"content_type"`
	TextContent       sql.NullString `db:"text_content"`
	MediaURL          sql.NullString `db:"media_url"`
	TemplateName      sql.NullString `db:"template_name"`
	TemplateVariables []byte         `db:"template_variables"`
	Timestamp         time.Time      `db:"timestamp"`
	Status            string         `db:"status"`
	ErrorMessage      sql.NullString `db:"error_message"`
}

func (r *messageRow) toDomain() (*domain.Message, error) {
	vars, err := domain.DecodeTemplateVariables(r.TemplateVariables)
	if err != nil {
		return nil, fmt.Errorf("decode template_variables: %w", err)
	}
	return &domain.Message{
		ID:                r.ID,
		ConversationID:    r.ConversationID,
		SenderType:        domain.SenderType(r.SenderType),
		ContentType:       domain.ContentType(r.ContentType),
		TextContent:       nullString(r.TextContent),
		MediaURL:          nullString(r.MediaURL),
		TemplateName:      nullString(r.TemplateName),
		TemplateVariables: vars,
		Timestamp:         r.Timestamp,
		Status:            domain.MessageStatus(r.Status),
		ErrorMessage:      nullString(r.ErrorMessage),
	}, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

package out

import (
	"context"
	"errors"
	"time"

	"realtime_server/core/domain"
)

var (
	ErrRecordNotFound  = errors.New("record not found in segment")
	ErrSegmentNotFound = errors.New("segment does not exist")
)

// SegmentLookup fetches one record from one storage segment.
type SegmentLookup interface {
	// PointLookup returns ErrRecordNotFound or ErrSegmentNotFound on a miss.
	PointLookup(ctx context.Context, segment domain.SegmentID, recordID string) (*domain.Message, error)
}

// SegmentHintStore remembers which segment a record was found in.
type SegmentHintStore interface {
	GetSegmentHint(ctx context.Context, recordID string) (domain.SegmentID, bool, error)
	SetSegmentHint(ctx context.Context, recordID string, segment domain.SegmentID, ttl time.Duration) error
}

package persistence

import (
	"context"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
)

const segmentHintPrefix = "realtime:segment:"

// stringCache is the subset of cache.RedisCache the hint store needs.
type stringCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// SegmentHintAdapter remembers the segment a message was last found in.
type SegmentHintAdapter struct {
	cache stringCache
}

var _ out.SegmentHintStore = (*SegmentHintAdapter)(nil)

func NewSegmentHintAdapter(cache stringCache) *SegmentHintAdapter {
	return &SegmentHintAdapter{cache: cache}
}

func (a *SegmentHintAdapter) GetSegmentHint(ctx context.Context, recordID string) (domain.SegmentID, bool, error) {
	v, ok, err := a.cache.Get(ctx, segmentHintPrefix+recordID)
	if err != nil || !ok || v == "" {
		return "", false, err
	}
	return domain.SegmentID(v), true, nil
}

func (a *SegmentHintAdapter) SetSegmentHint(ctx context.Context, recordID string, segment domain.SegmentID, ttl time.Duration) error {
	return a.cache.Set(ctx, segmentHintPrefix+recordID, string(segment), ttl)
}

package realtime

import (
	"context"
	"errors"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/metrics"

	"github.com/rs/zerolog"
)

// Resolver turns a record id and an ordered candidate list into a message.
// A nil message with a nil error means no candidate held the record.
type Resolver interface {
	Resolve(ctx context.Context, recordID string, candidates []domain.SegmentID) (*domain.Message, error)
}

// ResolveStats describes one Resolve call.
type ResolveStats struct {
	Probes  int
	Segment domain.SegmentID // empty on a miss
}

// PartitionResolver probes segments strictly in order until one holds the record.
type PartitionResolver struct {
	lookup       out.SegmentLookup
	probeTimeout time.Duration
	log          zerolog.Logger
	metrics      *metrics.RealtimeMetrics
}

func NewPartitionResolver(lookup out.SegmentLookup, probeTimeout time.Duration, log zerolog.Logger, m *metrics.RealtimeMetrics) *PartitionResolver {
	return &PartitionResolver{
		lookup:       lookup,
		probeTimeout: probeTimeout,
		log:          log.With().Str("component", "realtime.resolver").Logger(),
		metrics:      m,
	}
}

func (r *PartitionResolver) Resolve(ctx context.Context, recordID string, candidates []domain.SegmentID) (*domain.Message, error) {
	msg, _, err := r.ResolveWithStats(ctx, recordID, candidates)
	return msg, err
}

// ResolveWithStats is Resolve plus probe accounting. Per-segment misses and
// probe errors are swallowed; only cancellation of ctx is returned.
func (r *PartitionResolver) ResolveWithStats(ctx context.Context, recordID string, candidates []domain.SegmentID) (*domain.Message, ResolveStats, error) {
	var stats ResolveStats
	start := time.Now()
	defer func() { r.metrics.ObserveResolve(time.Since(start)) }()

	for _, seg := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		stats.Probes++
		msg, err := r.probe(ctx, seg, recordID)
		if err == nil && msg != nil {
			stats.Segment = seg
			return msg, stats, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, stats, ctxErr
		}
	}

	r.log.Warn().
		Str("record_id", recordID).
		Int("probes", stats.Probes).
		Msg("record not found in any candidate segment")
	return nil, stats, nil
}

// probe runs one point lookup. It never fails the scan: misses and errors are
// logged at the appropriate level and reported as (nil, err).
func (r *PartitionResolver) probe(ctx context.Context, seg domain.SegmentID, recordID string) (*domain.Message, error) {
	pctx := ctx
	if r.probeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := r.lookup.PointLookup(pctx, seg, recordID)
	elapsed := time.Since(start)

	switch {
	case err == nil && msg != nil:
		r.metrics.SegmentProbe("hit", elapsed)
		return msg, nil
	case err == nil, errors.Is(err, out.ErrRecordNotFound):
		r.metrics.SegmentProbe("miss", elapsed)
		r.log.Debug().Str("segment", seg.String()).Str("record_id", recordID).Msg("record not in segment")
		if err == nil {
			err = out.ErrRecordNotFound
		}
	case errors.Is(err, out.ErrSegmentNotFound):
		r.metrics.SegmentProbe("absent", elapsed)
		r.log.Debug().Str("segment", seg.String()).Msg("segment does not exist")
	default:
		r.metrics.SegmentProbe("error", elapsed)
		r.log.Warn().Err(err).Str("segment", seg.String()).Str("record_id", recordID).Msg("segment probe failed")
	}
	return nil, err
}

// HintedResolver asks a hint store where a record was last seen before
// falling back to the ordered scan, and remembers where the scan found it.
type HintedResolver struct {
	base  *PartitionResolver
	hints out.SegmentHintStore
	ttl   time.Duration
	log   zerolog.Logger
}

func NewHintedResolver(base *PartitionResolver, hints out.SegmentHintStore, ttl time.Duration) *HintedResolver {
	return &HintedResolver{
		base:  base,
		hints: hints,
		ttl:   ttl,
		log:   base.log.With().Str("component", "realtime.hinted_resolver").Logger(),
	}
}

func (h *HintedResolver) Resolve(ctx context.Context, recordID string, candidates []domain.SegmentID) (*domain.Message, error) {
	hinted, ok, err := h.hints.GetSegmentHint(ctx, recordID)
	if err != nil {
		h.log.Warn().Err(err).Str("record_id", recordID).Msg("segment hint lookup failed")
	}
	if ok && hinted != "" {
		if msg, _ := h.base.probe(ctx, hinted, recordID); msg != nil {
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates = without(candidates, hinted)
	}

	msg, stats, err := h.base.ResolveWithStats(ctx, recordID, candidates)
	if err != nil || msg == nil {
		return msg, err
	}
	if err := h.hints.SetSegmentHint(ctx, recordID, stats.Segment, h.ttl); err != nil {
		h.log.Warn().Err(err).Str("record_id", recordID).Msg("segment hint store failed")
	}
	return msg, nil
}

func without(segs []domain.SegmentID, drop domain.SegmentID) []domain.SegmentID {
	kept := make([]domain.SegmentID, 0, len(segs))
	for _, s := range segs {
		if s != drop {
			kept = append(kept, s)
		}
	}
	return kept
}

// =============================================================================
// Candidate strategies
// =============================================================================

// CandidateStrategy lists, in probe order, the segments that may hold the
// record a notification announces.
type CandidateStrategy interface {
	Candidates(n domain.ChangeNotification, now time.Time) []domain.SegmentID
}

// MonthlyWindow covers Before months before the anchor month through After
// months after it. The anchor is the notification's CreatedAt, or now when
// that is unset. {Prefix, 1, 2} yields prev, current, next, next+1.
type MonthlyWindow struct {
	Prefix string
	Before int
	After  int
}

func (w MonthlyWindow) Candidates(n domain.ChangeNotification, now time.Time) []domain.SegmentID {
	anchor := n.CreatedAt
	if anchor.IsZero() {
		anchor = now
	}
	anchor = anchor.UTC()
	first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, time.UTC)

	segs := make([]domain.SegmentID, 0, w.Before+w.After+1)
	for k := -w.Before; k <= w.After; k++ {
		segs = append(segs, domain.MonthSegment(w.Prefix, first.AddDate(0, k, 0)))
	}
	return segs
}

// StaticCandidates always returns the same list.
type StaticCandidates []domain.SegmentID

func (s StaticCandidates) Candidates(domain.ChangeNotification, time.Time) []domain.SegmentID {
	segs := make([]domain.SegmentID, len(s))
	copy(segs, s)
	return segs
}

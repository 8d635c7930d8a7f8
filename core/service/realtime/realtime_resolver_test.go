package realtime

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"realtime_server/core/domain"

	"github.com/rs/zerolog"
)

var abcd = []domain.SegmentID{"A", "B", "C", "D"}

func TestPartitionResolver_FirstHitWins(t *testing.T) {
	lookup := newFakeLookup()
	lookup.put("C", &domain.Message{ID: "m1", ConversationID: "c1"})
	lookup.put("D", &domain.Message{ID: "m1", ConversationID: "stale"})
	r := NewPartitionResolver(lookup, time.Second, zerolog.Nop(), nil)

	msg, stats, err := r.ResolveWithStats(context.Background(), "m1", abcd)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if msg == nil || msg.ConversationID != "c1" {
		t.Fatalf("Resolve() = %+v, want the record from C", msg)
	}
	if want := []domain.SegmentID{"A", "B", "C"}; !reflect.DeepEqual(lookup.probes(), want) {
		t.Errorf("probes = %v, want %v", lookup.probes(), want)
	}
	if stats.Probes != 3 || stats.Segment != "C" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPartitionResolver_TotalMissReturnsNil(t *testing.T) {
	lookup := newFakeLookup()
	r := NewPartitionResolver(lookup, time.Second, zerolog.Nop(), nil)

	msg, err := r.Resolve(context.Background(), "m1", abcd)
	if err != nil || msg != nil {
		t.Fatalf("Resolve() = %v, %v; want nil, nil", msg, err)
	}
	if !reflect.DeepEqual(lookup.probes(), abcd) {
		t.Errorf("probes = %v, want %v", lookup.probes(), abcd)
	}
}

func TestPartitionResolver_SwallowsPerSegmentFailures(t *testing.T) {
	lookup := newFakeLookup()
	lookup.missing["A"] = true
	lookup.failing["B"] = errors.New("connection reset")
	lookup.put("C", &domain.Message{ID: "m1"})
	r := NewPartitionResolver(lookup, time.Second, zerolog.Nop(), nil)

	msg, err := r.Resolve(context.Background(), "m1", abcd)
	if err != nil || msg == nil {
		t.Fatalf("Resolve() = %v, %v; want record", msg, err)
	}
}

func TestPartitionResolver_ContextCancelled(t *testing.T) {
	lookup := newFakeLookup()
	r := NewPartitionResolver(lookup, time.Second, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "m1", abcd)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}
	if len(lookup.probes()) != 0 {
		t.Errorf("probes = %v, want none", lookup.probes())
	}
}

func TestPartitionResolver_EmptyCandidates(t *testing.T) {
	r := NewPartitionResolver(newFakeLookup(), time.Second, zerolog.Nop(), nil)
	msg, err := r.Resolve(context.Background(), "m1", nil)
	if msg != nil || err != nil {
		t.Fatalf("Resolve() = %v, %v", msg, err)
	}
}

func TestHintedResolver(t *testing.T) {
	lookup := newFakeLookup()
	lookup.put("C", &domain.Message{ID: "m1"})
	hints := &fakeHints{}
	r := NewHintedResolver(NewPartitionResolver(lookup, time.Second, zerolog.Nop(), nil), hints, time.Hour)

	if msg, _ := r.Resolve(context.Background(), "m1", abcd); msg == nil {
		t.Fatal("first Resolve() found nothing")
	}
	if seg, ok, _ := hints.GetSegmentHint(context.Background(), "m1"); !ok || seg != "C" {
		t.Fatalf("hint = %q, %v; want C", seg, ok)
	}

	lookup.probed = nil
	if msg, _ := r.Resolve(context.Background(), "m1", abcd); msg == nil {
		t.Fatal("second Resolve() found nothing")
	}
	if want := []domain.SegmentID{"C"}; !reflect.DeepEqual(lookup.probes(), want) {
		t.Errorf("probes with hint = %v, want %v", lookup.probes(), want)
	}
}

func TestHintedResolver_StaleHintFallsBack(t *testing.T) {
	lookup := newFakeLookup()
	lookup.put("B", &domain.Message{ID: "m1"})
	hints := &fakeHints{hints: map[string]domain.SegmentID{"m1": "D"}}
	r := NewHintedResolver(NewPartitionResolver(lookup, time.Second, zerolog.Nop(), nil), hints, time.Hour)

	msg, err := r.Resolve(context.Background(), "m1", abcd)
	if err != nil || msg == nil {
		t.Fatalf("Resolve() = %v, %v", msg, err)
	}
	if want := []domain.SegmentID{"D", "A", "B"}; !reflect.DeepEqual(lookup.probes(), want) {
		t.Errorf("probes = %v, want %v", lookup.probes(), want)
	}
	if hints.hints["m1"] != "B" {
		t.Errorf("hint = %q, want B", hints.hints["m1"])
	}
}

func TestMonthlyWindow(t *testing.T) {
	w := MonthlyWindow{Prefix: "messages", Before: 1, After: 2}
	now := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		want      []domain.SegmentID
	}{
		{
			name:      "mid year",
			createdAt: time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC),
			want:      []domain.SegmentID{"messages_2025_02", "messages_2025_03", "messages_2025_04", "messages_2025_05"},
		},
		{
			name:      "year boundary",
			createdAt: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			want:      []domain.SegmentID{"messages_2024_12", "messages_2025_01", "messages_2025_02", "messages_2025_03"},
		},
		{
			name:      "december",
			createdAt: time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC),
			want:      []domain.SegmentID{"messages_2024_11", "messages_2024_12", "messages_2025_01", "messages_2025_02"},
		},
		{
			name: "zero timestamp uses now",
			want: []domain.SegmentID{"messages_2030_05", "messages_2030_06", "messages_2030_07", "messages_2030_08"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.Candidates(domain.ChangeNotification{RecordID: "m", CreatedAt: tt.createdAt}, now)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Candidates() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaticCandidates_ReturnsCopy(t *testing.T) {
	s := StaticCandidates{"A", "B"}
	got := s.Candidates(domain.ChangeNotification{}, time.Now())
	got[0] = "Z"
	if s[0] != "A" {
		t.Error("Candidates() must not alias the static list")
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyTracker_Stats(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 10; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	s := lt.Stats()
	if s.Count != 10 {
		t.Fatalf("Count = %d, want 10", s.Count)
	}
	if s.Min != time.Millisecond || s.Max != 10*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 5*time.Millisecond {
		t.Errorf("P50 = %v, want 5ms", s.P50)
	}

	// window is full, next record drops the oldest sample
	lt.Record(20 * time.Millisecond)
	s = lt.Stats()
	if s.Count != 10 || s.Min != 2*time.Millisecond {
		t.Errorf("after slide Count=%d Min=%v", s.Count, s.Min)
	}

	lt.Reset()
	if lt.Stats().Count != 0 {
		t.Error("Reset should clear samples")
	}
}

func TestRealtimeMetrics_Counters(t *testing.T) {
	m := NewRealtimeMetrics()

	m.EventEmitted("message.received")
	m.EventEmitted("message.received")
	m.ReconnectAttempt("scheduled")
	m.SetConnected(true)

	if got := testutil.ToFloat64(m.eventsEmitted.WithLabelValues("message.received")); got != 2 {
		t.Errorf("events_emitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reconnects.WithLabelValues("scheduled")); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
}

func TestRealtimeMetrics_NilSafe(t *testing.T) {
	var m *RealtimeMetrics
	m.EventEmitted("x")
	m.ListenerPanicked()
	m.SetConnected(false)
	m.SegmentProbe("hit", time.Millisecond)
	if m.LookupStats().Count != 0 {
		t.Error("nil metrics should report empty stats")
	}
}

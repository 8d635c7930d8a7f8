package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RealtimeMetrics groups the counters the realtime subsystem reports.
// A nil *RealtimeMetrics is valid and records nothing.
type RealtimeMetrics struct {
	registry *prometheus.Registry

	eventsEmitted     *prometheus.CounterVec
	listenerPanics    prometheus.Counter
	reconnects        *prometheus.CounterVec
	statusChanges     *prometheus.CounterVec
	segmentProbes     *prometheus.CounterVec
	resolveLatency    prometheus.Histogram
	connected         prometheus.Gauge
	activeSubscribers prometheus.Gauge

	lookups *LatencyTracker
}

func NewRealtimeMetrics() *RealtimeMetrics {
	m := &RealtimeMetrics{
		registry: prometheus.NewRegistry(),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_emitted_total",
			Help:      "Events delivered to the bus, by kind.",
		}, []string{"kind"}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "listener_panics_total",
			Help:      "Listener invocations that panicked.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts, by outcome.",
		}, []string{"outcome"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "channel_status_total",
			Help:      "Channel status callbacks, by status.",
		}, []string{"status"}),
		segmentProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "segment_probes_total",
			Help:      "Segment point lookups, by result.",
		}, []string{"result"}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "realtime",
			Name:      "resolve_duration_seconds",
			Help:      "Time to resolve a change notification into a message.",
			Buckets:   prometheus.DefBuckets,
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "connected",
			Help:      "1 when the realtime channel is subscribed.",
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "sse_subscribers",
			Help:      "Open server-sent event streams.",
		}),
		lookups: NewLatencyTracker(1000),
	}

	m.registry.MustRegister(
		m.eventsEmitted,
		m.listenerPanics,
		m.reconnects,
		m.statusChanges,
		m.segmentProbes,
		m.resolveLatency,
		m.connected,
		m.activeSubscribers,
	)
	return m
}

func (m *RealtimeMetrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(kind).Inc()
}

func (m *RealtimeMetrics) ListenerPanicked() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *RealtimeMetrics) ReconnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

func (m *RealtimeMetrics) ChannelStatus(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

func (m *RealtimeMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *RealtimeMetrics) SegmentProbe(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.segmentProbes.WithLabelValues(result).Inc()
	m.lookups.Record(d)
}

func (m *RealtimeMetrics) ObserveResolve(d time.Duration) {
	if m == nil {
		return
	}
	m.resolveLatency.Observe(d.Seconds())
}

func (m *RealtimeMetrics) SubscriberOpened() {
	if m == nil {
		return
	}
	m.activeSubscribers.Inc()
}

func (m *RealtimeMetrics) SubscriberClosed() {
	if m == nil {
		return
	}
	m.activeSubscribers.Dec()
}

// LookupStats reports the point-lookup latency window.
func (m *RealtimeMetrics) LookupStats() LatencyStats {
	if m == nil {
		return LatencyStats{}
	}
	return m.lookups.Stats()
}

// Registry exposes the underlying registry for tests and gathering.
func (m *RealtimeMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *RealtimeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	defaultMetrics     *RealtimeMetrics
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide metrics set.
func Default() *RealtimeMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewRealtimeMetrics()
	})
	return defaultMetrics
}

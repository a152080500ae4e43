package telemetry

import (
	"time"

	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting engine metrics
type MetricsCollector interface {
	RecordFrame(msgType string)
	RecordMerge(provenance store.Provenance, outcome store.Outcome)
	RecordConnectionState(state supervisor.State)
	// RecordMutation records a resolved mutation. errKind is empty on success.
	RecordMutation(action string, errKind string, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordFrame(string)                           {}
func (NoOpMetricsCollector) RecordMerge(store.Provenance, store.Outcome)  {}
func (NoOpMetricsCollector) RecordConnectionState(supervisor.State)       {}
func (NoOpMetricsCollector) RecordMutation(string, string, time.Duration) {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	frames           *prometheus.CounterVec
	merges           *prometheus.CounterVec
	connectionState  prometheus.Gauge
	reconnects       prometheus.Counter
	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "frames_received_total",
			Help:      "Server frames routed by the engine, by type.",
		}, []string{"type"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "merges_total",
			Help:      "State merges by provenance and outcome.",
		}, []string{"provenance", "outcome"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablesync",
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 awaiting handshake, 3 connected, 4 reconnecting).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "reconnects_total",
			Help:      "Times the connection entered the reconnecting state.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "mutations_total",
			Help:      "Resolved mutations by action and result.",
		}, []string{"action", "result"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tablesync",
			Name:      "mutation_duration_seconds",
			Help:      "Time from optimistic apply to server verdict.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	for _, c := range []prometheus.Collector{m.frames, m.merges, m.connectionState, m.reconnects, m.mutations, m.mutationDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordFrame(msgType string) {
	m.frames.WithLabelValues(msgType).Inc()
}

func (m *PrometheusMetrics) RecordMerge(provenance store.Provenance, outcome store.Outcome) {
	m.merges.WithLabelValues(provenance.String(), outcome.String()).Inc()
}

func (m *PrometheusMetrics) RecordConnectionState(state supervisor.State) {
	m.connectionState.Set(float64(state))
	if state == supervisor.StateReconnecting {
		m.reconnects.Inc()
	}
}

func (m *PrometheusMetrics) RecordMutation(action string, errKind string, duration time.Duration) {
	result := "confirmed"
	if errKind != "" {
		result = errKind
	}
	m.mutations.WithLabelValues(action, result).Inc()
	m.mutationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

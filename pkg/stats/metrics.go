package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus view over all sessions. The
// reference server exposes its registry on /metrics; session owners
// feed it from their Monitor snapshots.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	FramesTotal    *prometheus.CounterVec
	BytesTotal     prometheus.Counter
	Bandwidth      *prometheus.GaugeVec
}

// NewMetrics builds a registry with all session metrics registered.
func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remotedesk",
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the Active state",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Name:      "sessions_total",
			Help:      "Sessions by terminal outcome",
		}, []string{"outcome"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Name:      "frames_total",
			Help:      "Screen frames by result",
		}, []string{"result"}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Name:      "frame_bytes_total",
			Help:      "Total frame payload bytes received",
		}),
		Bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "remotedesk",
			Name:      "session_bandwidth_mbps",
			Help:      "Per-session bandwidth over the last monitoring window",
		}, []string{"session"}),
	}
	r.MustRegister(m.ActiveSessions, m.SessionsTotal, m.FramesTotal, m.BytesTotal, m.Bandwidth)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe folds one monitor snapshot for a session into the registry.
func (m *Metrics) Observe(sessionID string, s Snapshot) {
	m.FramesTotal.WithLabelValues("ok").Add(float64(s.FramesOK))
	m.FramesTotal.WithLabelValues("dropped").Add(float64(s.FramesDropped))
	m.BytesTotal.Add(float64(s.Bytes))
	m.Bandwidth.WithLabelValues(sessionID).Set(s.Mbps)
}

// ForgetSession drops the per-session gauge after the session ends.
func (m *Metrics) ForgetSession(sessionID string) {
	m.Bandwidth.DeleteLabelValues(sessionID)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracker"

// Metrics holds the server counters. A nil *Metrics records nothing.
type Metrics struct {
	locations      *prometheus.CounterVec
	statusChanges  *prometheus.CounterVec
	pointsRemoved  prometheus.Counter
	trackersPurged prometheus.Counter
	diagnostics    prometheus.Counter
	viewers        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		locations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locations_total",
			Help:      "Location entries received, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Tracking status messages, by action.",
		}, []string{"action"}),
		pointsRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_points_removed_total",
			Help:      "Points deleted by retention cleanup.",
		}),
		trackersPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_trackers_removed_total",
			Help:      "Trackers deleted by retention cleanup.",
		}),
		diagnostics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostic_uploads_total",
			Help:      "Diagnostic log payloads stored.",
		}),
		viewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_viewers",
			Help:      "Open live stream connections.",
		}),
	}
}

func (m *Metrics) Location(endpoint, result string) {
	if m == nil {
		return
	}
	m.locations.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) StatusChange(action string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(action).Inc()
}

func (m *Metrics) Cleanup(points, trackers int64) {
	if m == nil {
		return
	}
	m.pointsRemoved.Add(float64(points))
	m.trackersPurged.Add(float64(trackers))
}

func (m *Metrics) DiagnosticUpload() {
	if m == nil {
		return
	}
	m.diagnostics.Inc()
}

func (m *Metrics) ViewerJoined() {
	if m == nil {
		return
	}
	m.viewers.Inc()
}

func (m *Metrics) ViewerLeft() {
	if m == nil {
		return
	}
	m.viewers.Dec()
}

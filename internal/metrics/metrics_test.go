package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Location("update", "accepted")
	m.Location("update", "accepted")
	m.Location("batch", "skipped")
	m.Cleanup(5, 1)
	m.ViewerJoined()
	m.ViewerJoined()
	m.ViewerLeft()

	if got := testutil.ToFloat64(m.locations.WithLabelValues("update", "accepted")); got != 2 {
		t.Fatalf("expected 2 accepted updates, got %v", got)
	}
	if got := testutil.ToFloat64(m.pointsRemoved); got != 5 {
		t.Fatalf("expected 5 removed points, got %v", got)
	}
	if got := testutil.ToFloat64(m.viewers); got != 1 {
		t.Fatalf("expected 1 viewer, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Location("update", "accepted")
	m.StatusChange("tracking")
	m.Cleanup(1, 1)
	m.DiagnosticUpload()
	m.ViewerJoined()
	m.ViewerLeft()
}

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dfingerd/dfingerd/internal/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCollectorObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.Observe(3, 5, 4, 8)

	if got := gaugeValue(t, c.Machines); got != 3 {
		t.Errorf("Machines = %v, want 3", got)
	}
	if got := gaugeValue(t, c.Users); got != 5 {
		t.Errorf("Users = %v, want 5", got)
	}
	if got := gaugeValue(t, c.LiveSessions); got != 4 {
		t.Errorf("LiveSessions = %v, want 4", got)
	}
	if got := gaugeValue(t, c.PastSessions); got != 8 {
		t.Errorf("PastSessions = %v, want 8", got)
	}
}

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.UpdateCycles.Inc()
	c.FingerQueries.Inc()
	c.FingerQueries.Inc()
	c.ForwardingRefused.Inc()
	c.SnapshotWrites.Inc()

	if got := counterValue(t, c.UpdateCycles); got != 1 {
		t.Errorf("UpdateCycles = %v, want 1", got)
	}
	if got := counterValue(t, c.FingerQueries); got != 2 {
		t.Errorf("FingerQueries = %v, want 2", got)
	}
	if got := counterValue(t, c.ForwardingRefused); got != 1 {
		t.Errorf("ForwardingRefused = %v, want 1", got)
	}
	if got := counterValue(t, c.SnapshotWrites); got != 1 {
		t.Errorf("SnapshotWrites = %v, want 1", got)
	}
}

// Package metrics implements the Prometheus collector for dfingerd's
// presence store and protocol counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "dfingerd"
	subsystem = "presence"
)

// Collector holds all dfingerd Prometheus metrics.
//
//   - Gauges track the current size of the presence store.
//   - Counters track protocol activity: update cycles, finger queries,
//     and forwarding refusals.
type Collector struct {
	// Machines tracks the number of currently known machines.
	Machines prometheus.Gauge

	// Users tracks the number of currently known users.
	Users prometheus.Gauge

	// LiveSessions tracks the number of currently live login sessions.
	LiveSessions prometheus.Gauge

	// PastSessions tracks the number of archived login sessions.
	PastSessions prometheus.Gauge

	// UpdateCycles counts completed agent update cycles (each "!!! END",
	// blank-line END, or BYE).
	UpdateCycles prometheus.Counter

	// FingerQueries counts answered finger requests.
	FingerQueries prometheus.Counter

	// ForwardingRefused counts finger requests refused for naming two
	// or more hosts.
	ForwardingRefused prometheus.Counter

	// SnapshotWrites counts successful atomic dump writes.
	SnapshotWrites prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Machines,
		c.Users,
		c.LiveSessions,
		c.PastSessions,
		c.UpdateCycles,
		c.FingerQueries,
		c.ForwardingRefused,
		c.SnapshotWrites,
	)

	return c
}

func newMetrics() *Collector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}

	return &Collector{
		Machines:          gauge("machines", "Number of currently known machines."),
		Users:             gauge("users", "Number of currently known users."),
		LiveSessions:      gauge("live_sessions", "Number of currently live login sessions."),
		PastSessions:      gauge("past_sessions", "Number of archived login sessions."),
		UpdateCycles:      counter("update_cycles_total", "Total completed agent update cycles."),
		FingerQueries:     counter("finger_queries_total", "Total answered finger requests."),
		ForwardingRefused: counter("forwarding_refused_total", "Total finger forwarding requests refused."),
		SnapshotWrites:    counter("snapshot_writes_total", "Total successful atomic dump writes."),
	}
}

// Observe refreshes the store-size gauges from live counts. Called by
// the event loop after each completed update cycle and on the
// housekeeper's timers.
func (c *Collector) Observe(machines, users, liveSessions, pastSessions int) {
	c.Machines.Set(float64(machines))
	c.Users.Set(float64(users))
	c.LiveSessions.Set(float64(liveSessions))
	c.PastSessions.Set(float64(pastSessions))
}

// Package metrics wires the replication engine's Prometheus instruments,
// served on the admin HTTP server's /metrics path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the orchestrator and replicator emit to.
type Metrics struct {
	Ticks    prometheus.Counter
	Entries  prometheus.Counter
	Exits    *prometheus.CounterVec
	Placements *prometheus.CounterVec
	StrategyActive prometheus.Gauge
	TickDuration prometheus.Histogram
}

// New registers and returns the metric set against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replicator_ticks_total",
			Help: "Total number of poller ticks processed by the orchestrator.",
		}),
		Entries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replicator_entries_total",
			Help: "Total number of entry cycles dispatched to the Child Replicator.",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_exits_total",
			Help: "Total number of exit cycles dispatched to the Child Replicator, by reason.",
		}, []string{"reason"}),
		Placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_placements_total",
			Help: "Total number of child order placements attempted, by order type and outcome.",
		}, []string{"type", "status"}),
		StrategyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replicator_strategy_active",
			Help: "1 if a replication cycle is currently active, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replicator_tick_duration_seconds",
			Help:    "Wall-clock duration of a single orchestrator tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Ticks, m.Entries, m.Exits, m.Placements, m.StrategyActive, m.TickDuration)
	return m
}

// ExitReason labels for the Exits counter.
const (
	ExitReasonDelta         = "delta"
	ExitReasonEmergencySync = "emergency_sync"
)

// Placement type/status labels for the Placements counter.
const (
	PlacementTypeEntry = "entry"
	PlacementTypeExit  = "exit"

	PlacementStatusPlaced    = "placed"
	PlacementStatusSimulated = "simulated"
	PlacementStatusFailed    = "failed"
)

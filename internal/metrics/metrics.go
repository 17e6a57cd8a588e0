package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KBRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_kb_requests_total",
			Help: "Total knowledge-store requests",
		},
		[]string{"operation", "kind", "status"},
	)

	KBLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "criteria_kb_latency_seconds",
			Help:    "Knowledge-store request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "kind"},
	)

	ScenarioRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_scenario_rows_written_total",
			Help: "Total scenario rows upserted",
		},
		[]string{"table"},
	)

	WaterTableFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_watertable_fallbacks_total",
			Help: "Water-table values taken from the scenario database instead of the live feed",
		},
		[]string{"table"},
	)

	QueryMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_query_misses_total",
			Help: "Weather fields left unset because a query failed or returned nothing",
		},
		[]string{"field"},
	)

	ValidationFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_validation_flags_total",
			Help: "Implausible scenario values by flag",
		},
		[]string{"flag"},
	)

	ObservationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_observations_published_total",
			Help: "Simulation results published to the knowledge store",
		},
		[]string{"property", "status"},
	)

	SimulationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_simulation_runs_total",
			Help: "Simulation executions by outcome",
		},
		[]string{"outcome"},
	)

	SimulationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "criteria_simulation_duration_seconds",
			Help:    "Wall time of a simulation execution",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	DaysProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "criteria_days_processed_total",
			Help: "Days processed by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
)

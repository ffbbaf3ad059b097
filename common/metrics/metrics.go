package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateflow_executions_total",
			Help: "Total number of executions by terminal status",
		},
		[]string{"status"},
	)

	SegmentsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateflow_segments_executed_total",
			Help: "Total number of segment runs by transition kind",
		},
		[]string{"transition"},
	)

	SegmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stateflow_segment_duration_seconds",
			Help:    "Segment execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Kernel metrics
	ManifestsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_manifests_committed_total",
			Help: "Total number of committed manifests",
		},
	)

	BlocksOffloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_blocks_offloaded_total",
			Help: "Total number of state subtrees pointerized to the block store",
		},
	)

	StorageCorruption = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_storage_corruption_total",
			Help: "Checksum mismatches that persisted through hydration retries",
		},
	)

	// Self-healing metrics
	HealCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateflow_heal_cycles_total",
			Help: "Self-heal cycles by outcome",
		},
		[]string{"outcome"},
	)

	// Governance metrics
	GuardrailViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateflow_guardrail_violations_total",
			Help: "Guardrail violations by guardrail and severity",
		},
		[]string{"guardrail", "severity"},
	)

	Rollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_optimistic_rollbacks_total",
			Help: "Manifest rollbacks triggered by the governance post-pass",
		},
	)

	// GC metrics
	GCBlocksDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_gc_blocks_deleted_total",
			Help: "Orphan blocks deleted by the GC worker",
		},
	)

	GCBlocksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_gc_blocks_skipped_total",
			Help: "GC messages skipped because the block was already gone",
		},
	)

	GCFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_gc_failures_total",
			Help: "Per-item GC failures returned for redelivery",
		},
	)

	EventsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stateflow_events_pushed_total",
			Help: "Progress events pushed to connected watchers",
		},
	)

	WatchersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stateflow_watchers_connected",
			Help: "Open progress WebSocket connections",
		},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		ExecutionsTotal,
		SegmentsExecuted,
		SegmentDuration,
		ManifestsCommitted,
		BlocksOffloaded,
		StorageCorruption,
		HealCycles,
		GuardrailViolations,
		Rollbacks,
		GCBlocksDeleted,
		GCBlocksSkipped,
		GCFailures,
		EventsPushed,
		WatchersConnected,
	)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

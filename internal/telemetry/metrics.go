package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Счётчики dispatch и обработки.
var (
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_dispatched_total",
		Help: "Jobs published to the work queue",
	}, []string{"kind"})

	JobsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_duplicate_total",
		Help: "Jobs skipped because their dedup key is inside the window",
	}, []string{"kind"})

	PublishFallback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_publish_fallback_total",
		Help: "Jobs written to the pending ledger after a failed publish",
	}, []string{"kind"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_completed_total",
		Help: "Jobs completed by workers",
	}, []string{"kind"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_failed_total",
		Help: "Jobs failed permanently",
	}, []string{"kind"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_retried_total",
		Help: "Jobs returned to the queue for redelivery",
	}, []string{"kind"})
)

// Reconciliation.
var (
	PendingLedgerDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_pending_ledger_depth",
		Help: "Pending ledger rows awaiting republish",
	})

	ReconciliationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_reconciliation_runs_total",
		Help: "Reconciliation sweeps by final status",
	}, []string{"status"})

	ReconciliationRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_reconciliation_recovered_total",
		Help: "Pending rows republished by reconciliation",
	})

	ReconciliationExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_reconciliation_expired_total",
		Help: "Pending rows expired after max retries",
	})

	OrphanedBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_orphaned_batches",
		Help: "Transforms with outstanding units and no activity, from the last sweep",
	})
)

// Resilience.
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conveyor_breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
	}, []string{"dependency"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"dependency", "to"})

	AdmissionLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_admission_limit",
		Help: "Current adaptive concurrency limit",
	})

	AdmissionInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_admission_in_flight",
		Help: "Jobs holding an admission permit",
	})

	StatusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_status_dropped_total",
		Help: "Status events dropped after a failed publish",
	})
)

// HTTPRequests — запросы к HTTP API.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_http_requests_total",
	Help: "HTTP requests handled by the API",
}, []string{"method", "status"})

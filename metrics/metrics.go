// Package metrics holds the Prometheus collectors for the coin engine.
// Collectors register with the default registry and are served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// LEDGER
// =============================================================================

// LedgerOperations counts engine executions by kind and outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coin_engine",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Total ledger operations by kind and outcome.",
}, []string{"kind", "outcome"})

// LedgerOperationDuration observes end-to-end engine latency.
var LedgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "coin_engine",
	Subsystem: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency including retries.",
	Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"kind"})

// LedgerConflicts counts compare-and-swap losses.
var LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "coin_engine",
	Subsystem: "ledger",
	Name:      "cas_conflicts_total",
	Help:      "Total compare-and-swap conflicts that triggered a retry.",
})

// LedgerCoins counts coins moved by kind and reason.
var LedgerCoins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coin_engine",
	Subsystem: "ledger",
	Name:      "coins_total",
	Help:      "Total coins moved by committed operations.",
}, []string{"kind", "reason"})

// =============================================================================
// JOBS AND NOTIFICATIONS
// =============================================================================

// JobRuns counts scheduled job executions.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coin_engine",
	Subsystem: "jobs",
	Name:      "runs_total",
	Help:      "Total scheduled job runs by job and outcome.",
}, []string{"job", "outcome"})

// Notifications counts dispatched notification events.
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coin_engine",
	Subsystem: "notify",
	Name:      "events_total",
	Help:      "Total notification events by sink and outcome.",
}, []string{"sink", "outcome"})

// =============================================================================
// HELPERS
// =============================================================================

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeReplayed = "replayed"
	OutcomeError    = "error"
)

// ObserveOperation records one engine execution.
func ObserveOperation(kind, outcome string, elapsed time.Duration) {
	LedgerOperations.WithLabelValues(kind, outcome).Inc()
	LedgerOperationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveJob records one scheduled job run.
func ObserveJob(job string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	JobRuns.WithLabelValues(job, outcome).Inc()
}

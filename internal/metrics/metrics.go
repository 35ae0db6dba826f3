// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	// artifactsTotal counts modify notifications by source tool and result
	// (dispatched, deduplicated, vanished).
	artifactsTotal *prometheus.CounterVec

	// actionsTotal counts actions by kind and disposition.
	actionsTotal *prometheus.CounterVec

	// capabilityErrorsTotal counts failed capability calls by tool.
	capabilityErrorsTotal *prometheus.CounterVec

	// cleanupFailuresTotal counts consumed artifacts that could not be removed.
	cleanupFailuresTotal prometheus.Counter

	// dispatchDuration tracks the classify-and-dispatch time of one artifact.
	dispatchDuration prometheus.Histogram

	// outcomeQueueDepth is the number of outcomes waiting for the sinks.
	outcomeQueueDepth prometheus.Gauge

	// breakerState is 0 closed, 1 half-open, 2 open, per endpoint.
	breakerState *prometheus.GaugeVec
)

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midsoc_artifacts_total",
				Help: "Modify notifications seen by the watchers, by source tool and result",
			},
			[]string{"tool", "result"},
		)

		actionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midsoc_actions_total",
				Help: "Normalized actions handled by the dispatcher, by kind and disposition",
			},
			[]string{"kind", "disposition"},
		)

		capabilityErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midsoc_capability_errors_total",
				Help: "Failed capability invocations by target tool",
			},
			[]string{"tool"},
		)

		cleanupFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "midsoc_cleanup_failures_total",
				Help: "Consumed artifacts that could not be deleted",
			},
		)

		dispatchDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "midsoc_dispatch_duration_seconds",
				Help:    "Time spent classifying and dispatching one artifact",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		)

		outcomeQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "midsoc_outcome_queue_depth",
				Help: "Outcomes buffered for the sinks",
			},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "midsoc_circuit_breaker_state",
				Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		)
	})
}

// RecordArtifact records what a watcher did with a modify notification.
// result: "dispatched", "deduplicated", "vanished"
func RecordArtifact(tool, result string) {
	if artifactsTotal != nil {
		artifactsTotal.WithLabelValues(tool, result).Inc()
	}
}

// RecordAction records a dispatched action.
// disposition: "executed", "skipped", "failed"
func RecordAction(kind, disposition string) {
	if kind == "" {
		kind = "none"
	}
	if actionsTotal != nil {
		actionsTotal.WithLabelValues(kind, disposition).Inc()
	}
}

// RecordCapabilityError records a failed call against tool.
func RecordCapabilityError(tool string) {
	if capabilityErrorsTotal != nil {
		capabilityErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordCleanupFailure records a consumed artifact left on disk.
func RecordCleanupFailure() {
	if cleanupFailuresTotal != nil {
		cleanupFailuresTotal.Inc()
	}
}

// RecordDispatchDuration records how long one dispatch unit ran.
func RecordDispatchDuration(d time.Duration) {
	if dispatchDuration != nil {
		dispatchDuration.Observe(d.Seconds())
	}
}

// SetQueueDepth updates the outcome queue gauge.
func SetQueueDepth(n int) {
	if outcomeQueueDepth != nil {
		outcomeQueueDepth.Set(float64(n))
	}
}

// SetBreakerState updates the breaker gauge for endpoint.
func SetBreakerState(endpoint string, state int) {
	if breakerState != nil {
		breakerState.WithLabelValues(endpoint).Set(float64(state))
	}
}

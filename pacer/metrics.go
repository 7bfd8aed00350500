package pacer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	budgetUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacer_budget_utilization_percentage",
			Help: "Current budget utilization percentage",
		},
		[]string{"campaign_id"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacer_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"campaign_id"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacer_decisions_total",
			Help: "Pacing decisions by outcome reason",
		},
		[]string{"reason"},
	)

	trackedSpendTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pacer_tracked_spend_cents_total",
			Help: "Total spend cents folded into the ledger",
		},
	)

	deltaQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacer_delta_queue_depth",
			Help: "Spend deltas awaiting persistence flush",
		},
	)

	flushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pacer_flush_failures_total",
			Help: "Failed persistence flush attempts",
		},
	)

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pacer_flush_duration_seconds",
			Help:    "Duration of persistence flush batches",
			Buckets: prometheus.DefBuckets,
		},
	)

	persistenceDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacer_persistence_degraded",
			Help: "1 while the persistence bridge is in degraded mode",
		},
	)
)

func init() {
	prometheus.MustRegister(budgetUtilization)
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(decisionsTotal)
	prometheus.MustRegister(trackedSpendTotal)
	prometheus.MustRegister(deltaQueueDepth)
	prometheus.MustRegister(flushFailuresTotal)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(persistenceDegraded)
}

func setBreakerMetric(campaignID string, state CircuitBreakerState) {
	var v float64
	switch state {
	case OPEN:
		v = 1
	case HALF_OPEN:
		v = 2
	}
	circuitBreakerState.WithLabelValues(campaignID).Set(v)
}

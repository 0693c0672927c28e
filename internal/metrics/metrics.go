package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the order engine.
type Metrics struct {
	OrdersTotal         *prometheus.CounterVec
	LedgerStepFailures  *prometheus.CounterVec
	QuoteDuration       *prometheus.HistogramVec
	QuoteUnavailable    *prometheus.CounterVec
	IdempotentReplays   prometheus.Counter
	NotifierFailures    prometheus.Counter
	ReconcileOutcomes   *prometheus.CounterVec
	OrderDuration       prometheus.Histogram
	PendingIntentsGauge prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmoney_orders_total",
			Help: "Orders processed, by side and outcome reason",
		}, []string{"side", "outcome"}),
		LedgerStepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmoney_ledger_step_failures_total",
			Help: "Ledger write failures by step",
		}, []string{"step", "mode"}),
		QuoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pocketmoney_quote_duration_seconds",
			Help:    "Price quote latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		QuoteUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmoney_quote_unavailable_total",
			Help: "Quotes classified as unavailable",
		}, []string{"provider"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pocketmoney_idempotent_replays_total",
			Help: "Duplicate orders answered from the cached result",
		}),
		NotifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pocketmoney_achievement_notify_failures_total",
			Help: "Achievement notifications that failed after a trade",
		}),
		ReconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmoney_reconcile_outcomes_total",
			Help: "Ledger intents handled by the reconciliation processor",
		}, []string{"result"}),
		OrderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pocketmoney_order_duration_seconds",
			Help:    "End-to-end order handling latency",
			Buckets: prometheus.DefBuckets,
		}),
		PendingIntentsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pocketmoney_ledger_intents_unresolved",
			Help: "Ledger intents awaiting reconciliation at the last scan",
		}),
	}

	reg.MustRegister(
		m.OrdersTotal,
		m.LedgerStepFailures,
		m.QuoteDuration,
		m.QuoteUnavailable,
		m.IdempotentReplays,
		m.NotifierFailures,
		m.ReconcileOutcomes,
		m.OrderDuration,
		m.PendingIntentsGauge,
	)

	return m
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

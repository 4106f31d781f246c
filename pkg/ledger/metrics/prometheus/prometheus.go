// Package prommetrics implements ledger.Metrics using Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	debitsTotal        *prometheus.CounterVec
	debitAmount        *prometheus.HistogramVec
	creditsTotal       *prometheus.CounterVec
	creditAmount       *prometheus.HistogramVec
	shortfallTotal     *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_debits_total",
			Help:      "Total number of ledger debits.",
		}, []string{"tier", "partial"}),

		debitAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_debit_amount",
			Help:      "Distribution of debited token amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"tier"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Total number of ledger credits.",
		}, []string{"source"}),

		creditAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_credit_amount",
			Help:      "Distribution of credited token amounts.",
			Buckets:   []float64{100, 1000, 5000, 10000, 50000, 100000},
		}, []string{"source"}),

		shortfallTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_shortfall_tokens_total",
			Help:      "Total tokens requested but not covered by partial debits.",
		}, []string{"tier"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

// DefaultMetrics creates a metrics implementation registered on the
// default Prometheus registry.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordDebit(tier string, amount int64, partial bool) {
	m.debitsTotal.WithLabelValues(tier, strconv.FormatBool(partial)).Inc()
	m.debitAmount.WithLabelValues(tier).Observe(float64(amount))
}

func (m *Metrics) RecordCredit(source string, amount int64) {
	m.creditsTotal.WithLabelValues(source).Inc()
	m.creditAmount.WithLabelValues(source).Observe(float64(amount))
}

func (m *Metrics) RecordShortfall(tier string, shortfall int64) {
	m.shortfallTotal.WithLabelValues(tier).Add(float64(shortfall))
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

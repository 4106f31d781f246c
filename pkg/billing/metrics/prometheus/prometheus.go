// Package prommetrics implements billing.Metrics using Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents       *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	webhookErrors       *prometheus.CounterVec
	reconciliations     *prometheus.CounterVec
	creditsTotal        *prometheus.CounterVec
	creditTokens        *prometheus.CounterVec
	gatewayCalls        *prometheus.CounterVec
	gatewayCallDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_webhook_events_total",
			Help:      "Total number of webhook events received.",
		}, []string{"provider", "event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_webhook_processing_duration_seconds",
			Help:      "Time spent processing webhook events.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "reason"}),

		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_reconciliations_total",
			Help:      "Total reconciliation attempts by terminal state.",
		}, []string{"provider", "state"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_credits_total",
			Help:      "Total number of successful payment credits.",
		}, []string{"provider", "plan_id"}),

		creditTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_credit_tokens_total",
			Help:      "Total tokens credited from payments.",
		}, []string{"provider", "plan_id"}),

		gatewayCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_gateway_calls_total",
			Help:      "Total number of payment gateway API calls.",
		}, []string{"provider", "endpoint", "status"}),

		gatewayCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_gateway_call_duration_seconds",
			Help:      "Latency of payment gateway API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

// DefaultMetrics creates a metrics implementation registered on the
// default Prometheus registry.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordReconciliation(provider, state string) {
	m.reconciliations.WithLabelValues(provider, state).Inc()
}

func (m *Metrics) RecordCredit(provider, planID string, tokens int64) {
	m.creditsTotal.WithLabelValues(provider, planID).Inc()
	m.creditTokens.WithLabelValues(provider, planID).Add(float64(tokens))
}

func (m *Metrics) RecordGatewayCall(provider, endpoint, status string) {
	m.gatewayCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordGatewayCallDuration(provider, endpoint string, duration time.Duration) {
	m.gatewayCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

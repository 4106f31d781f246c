package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - callers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the gateway.
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordReconciliation records a reconciliation attempt and its terminal state.
	RecordReconciliation(provider string, state string)

	// RecordCredit records a successful ledger credit driven by reconciliation.
	RecordCredit(provider, planID string, tokens int64)

	// RecordGatewayCall records an API call to the payment gateway.
	// status: HTTP status code as string (e.g. "200", "404", "500")
	RecordGatewayCall(provider, endpoint, status string)

	// RecordGatewayCallDuration records how long a gateway call took.
	RecordGatewayCallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordReconciliation(_ string, _ string)                      {}
func (n *NoopMetrics) RecordCredit(_, _ string, _ int64)                            {}
func (n *NoopMetrics) RecordGatewayCall(_, _, _ string)                             {}
func (n *NoopMetrics) RecordGatewayCallDuration(_, _ string, _ time.Duration)       {}

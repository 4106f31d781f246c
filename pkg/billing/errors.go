package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrSignatureInvalid is returned when webhook or verify signature validation fails
	ErrSignatureInvalid = errors.New("invalid payment signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrMetadataMissing is returned when no plan or user can be resolved
	// from the gateway's payment/order record, or when client-supplied
	// metadata contradicts it
	ErrMetadataMissing = errors.New("payment metadata missing or inconsistent")

	// ErrPaymentNotCaptured is returned when the gateway reports the
	// payment as not yet settled; safe to retry once it captures
	ErrPaymentNotCaptured = errors.New("payment not captured")

	// ErrAlreadyProcessed reports that the payment was settled by an
	// earlier delivery. It is a success no-op, not a failure
	ErrAlreadyProcessed = errors.New("payment already processed")

	// ErrReconcileInProgress is returned to the loser of a concurrent
	// claim while the winner is still mid-flight; safe to retry
	ErrReconcileInProgress = errors.New("reconciliation already in progress")

	// ErrGatewayUnavailable is returned when the payment gateway cannot be
	// reached or returns a server error
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrEventNotFound is returned when a payment event is not in the store
	ErrEventNotFound = errors.New("payment event not found")
)

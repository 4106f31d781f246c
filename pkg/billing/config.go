package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// Config defines the standard configuration all gateway providers accept.
type Config struct {
	// Reconciler drives the exactly-once credit for verified payments
	// (required).
	Reconciler *Reconciler

	// WebhookSecret is the shared secret used to verify webhook signatures
	// (HMAC-SHA256 over the raw request body).
	WebhookSecret string

	// KeyID and KeySecret authenticate outbound API calls to the gateway
	// and sign the client-verify signature check.
	KeyID     string
	KeySecret string

	// HTTPClient is an optional HTTP client for gateway API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: ledger.NoopLogger).
	Logger ledger.Logger

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics
}

// ReconcilerConfig holds reconciler configuration.
type ReconcilerConfig struct {
	// Ledger applies the credit (required).
	Ledger *ledger.Manager

	// Catalog resolves plan IDs from order metadata (required).
	Catalog *ledger.Catalog

	// Events is the payment event store (required).
	Events EventStore

	// Gateway fetches authoritative payment/order records (required).
	Gateway Gateway

	// GatewayTimeout bounds each gateway fetch (default: 10s). A timed-out
	// attempt fails retryable; the next delivery re-enters cleanly.
	GatewayTimeout time.Duration

	// Logger is used for structured logging (default: ledger.NoopLogger).
	Logger ledger.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics).
	Metrics Metrics
}

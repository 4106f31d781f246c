// Package razorpay wires the two payment entry points - the gateway
// webhook and the client-confirmed verify call - into the shared
// reconciliation engine, and provides the REST gateway client the engine
// fetches authoritative payment/order records through.
package razorpay

import (
	"net/http"
	"time"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/billing/internal"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

const (
	providerName             = "razorpay"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Provider exposes the HTTP entry points for payment notifications.
type Provider struct {
	reconciler    *billing.Reconciler
	webhookSecret []byte
	keySecret     string
	rateLimiter   *internal.RateLimiter
	logger        ledger.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new payment notification provider.
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		reconciler:    config.Reconciler,
		webhookSecret: []byte(config.WebhookSecret),
		keySecret:     config.KeySecret,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler that processes gateway webhook
// deliveries, wrapped with per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// VerifyHandler returns the HTTP handler for the client-confirmed payment
// verification callback. It runs the same reconciliation engine as the
// webhook, so whichever channel lands first wins and the other becomes a
// no-op.
func (p *Provider) VerifyHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleVerify))
}

package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// Config holds configuration for the account API handler.
type Config struct {
	// Ledger is the ledger manager instance (required).
	Ledger *ledger.Manager

	// Catalog lists purchasable plans (required for ListPlans).
	Catalog *ledger.Catalog

	// GetUserID extracts the authenticated user ID from the request
	// (required). Authentication itself is the caller's concern.
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.).
	// If nil, uses default error handling.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger ledger.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new account API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common UserID extraction patterns

// UserIDFromHeader extracts the user ID from a request header.
func UserIDFromHeader(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// UserIDFromQuery extracts the user ID from a query parameter.
func UserIDFromQuery(param string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}
}

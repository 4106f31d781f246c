// Package http provides HTTP middleware for token metering. The
// middleware checks the caller's balance before the handler runs and
// settles a flat debit after it completes; a partial settle is accepted,
// only a pre-flight shortfall rejects the request.
package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// TierExtractor extracts the usage tier from an HTTP request.
type TierExtractor func(r *http.Request) ledger.Tier

// CostExtractor calculates the token cost of the request.
type CostExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration.
type Config struct {
	// Ledger is the ledger manager instance (required).
	Ledger *ledger.Manager

	// GetUserID extracts user ID from request (required).
	GetUserID UserIDExtractor

	// GetTier extracts the usage tier from request.
	// Default: always TierPaid.
	GetTier TierExtractor

	// GetCost calculates token cost from request (required).
	GetCost CostExtractor

	// Reason is recorded on the settle transaction.
	// Default: "api request".
	Reason string

	// OnInsufficientBalance is called when the pre-flight check fails.
	// If nil, returns 402 Payment Required.
	OnInsufficientBalance func(w http.ResponseWriter, r *http.Request, check *ledger.InsufficientBalanceError)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that meters token usage.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetTier == nil {
		config.GetTier = FixedTier(ledger.TierPaid)
	}
	if config.Reason == "" {
		config.Reason = "api request"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			cost, err := config.GetCost(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()
			if err := config.Ledger.CheckBalance(ctx, userID, cost); err != nil {
				var insufficient *ledger.InsufficientBalanceError
				if errors.As(err, &insufficient) {
					if config.OnInsufficientBalance != nil {
						config.OnInsufficientBalance(w, r, insufficient)
					} else {
						msg := fmt.Sprintf("Insufficient balance: %d available, %d required",
							insufficient.Available, insufficient.Required)
						http.Error(w, msg, http.StatusPaymentRequired)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			next.ServeHTTP(w, r)

			// Settle after the handler. The balance may have raced below
			// the cost in the meantime; the debit takes what remains.
			if _, err := config.Ledger.Debit(ctx, userID, cost, config.GetTier(r), config.Reason); err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that meters token usage (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost.
func FixedCost(cost int64) CostExtractor {
	return func(r *http.Request) (int64, error) {
		return cost, nil
	}
}

// FixedTier returns a TierExtractor that always returns a fixed tier.
func FixedTier(tier ledger.Tier) TierExtractor {
	return func(r *http.Request) ledger.Tier {
		return tier
	}
}

// TierFromHeader returns a TierExtractor that reads the tier from a
// header, falling back to TierPaid for unknown values.
func TierFromHeader(headerName string) TierExtractor {
	return func(r *http.Request) ledger.Tier {
		tier := ledger.Tier(r.Header.Get(headerName))
		if !tier.Valid() {
			return ledger.TierPaid
		}
		return tier
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// Package gin provides Gin middleware for token metering.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// TierExtractor extracts the usage tier from a Gin context.
type TierExtractor func(c *gongin.Context) ledger.Tier

// CostExtractor calculates the token cost of the request.
type CostExtractor func(c *gongin.Context) (int64, error)

// Config holds middleware configuration.
type Config struct {
	// Ledger is the ledger manager instance (required).
	Ledger *ledger.Manager

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// GetTier extracts the usage tier from context.
	// Default: always TierPaid.
	GetTier TierExtractor

	// GetCost calculates token cost from context (required).
	GetCost CostExtractor

	// Reason is recorded on the settle transaction.
	// Default: "api request".
	Reason string

	// OnInsufficientBalance is called when the pre-flight check fails.
	// If nil, returns 402 JSON with the shortfall.
	OnInsufficientBalance func(c *gongin.Context, check *ledger.InsufficientBalanceError)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that meters token usage: balance
// check before the handler, flat settle after it.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("tokenledger/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("tokenledger/gin: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("tokenledger/gin: Config.GetCost is required")
	}

	if cfg.GetTier == nil {
		cfg.GetTier = FixedTier(ledger.TierPaid)
	}
	if cfg.Reason == "" {
		cfg.Reason = "api request"
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		cost, err := cfg.GetCost(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		if err := cfg.Ledger.CheckBalance(ctx, userID, cost); err != nil {
			var insufficient *ledger.InsufficientBalanceError
			if errors.As(err, &insufficient) {
				if cfg.OnInsufficientBalance != nil {
					cfg.OnInsufficientBalance(c, insufficient)
				} else {
					c.JSON(http.StatusPaymentRequired, gongin.H{
						"error":     "Insufficient balance",
						"available": insufficient.Available,
						"required":  insufficient.Required,
						"shortfall": insufficient.Shortfall,
					})
				}
				c.Abort()
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Next()

		// Settle after the handler; a partial debit is acceptable here.
		if _, err := cfg.Ledger.Debit(ctx, userID, cost, cfg.GetTier(c), cfg.Reason); err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			}
		}
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin
// context values, for integrating with auth middleware that calls
// c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter.
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Tier and Cost

// FixedTier returns a TierExtractor that always returns a fixed tier.
func FixedTier(tier ledger.Tier) TierExtractor {
	return func(*gongin.Context) ledger.Tier {
		return tier
	}
}

// TierFromHeader returns a TierExtractor that reads the tier from a
// header, falling back to TierPaid for unknown values.
func TierFromHeader(headerName string) TierExtractor {
	return func(c *gongin.Context) ledger.Tier {
		tier := ledger.Tier(c.GetHeader(headerName))
		if !tier.Valid() {
			return ledger.TierPaid
		}
		return tier
	}
}

// FixedCost returns a CostExtractor that always returns a fixed cost.
func FixedCost(cost int64) CostExtractor {
	return func(*gongin.Context) (int64, error) {
		return cost, nil
	}
}

// DynamicCost returns a CostExtractor that calculates cost based on a function.
func DynamicCost(costFunc func(*gongin.Context) int64) CostExtractor {
	return func(c *gongin.Context) (int64, error) {
		return costFunc(c), nil
	}
}

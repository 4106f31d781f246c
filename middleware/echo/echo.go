// Package echo provides Echo middleware for token metering.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// TierExtractor extracts the usage tier from an Echo context.
type TierExtractor func(c echo.Context) ledger.Tier

// CostExtractor calculates the token cost of the request.
type CostExtractor func(c echo.Context) (int64, error)

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
	OnInsufficientBalance func(c echo.Context, check *ledger.InsufficientBalanceError) error

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that meters token usage: balance
// check before the handler, flat settle after it.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("tokenledger/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("tokenledger/echo: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("tokenledger/echo: Config.GetCost is required")
	}

	if cfg.GetTier == nil {
		cfg.GetTier = FixedTier(ledger.TierPaid)
	}
	if cfg.Reason == "" {
		cfg.Reason = "api request"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			cost, err := cfg.GetCost(c)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
			if err := cfg.Ledger.CheckBalance(ctx, userID, cost); err != nil {
				var insufficient *ledger.InsufficientBalanceError
				if errors.As(err, &insufficient) {
					if cfg.OnInsufficientBalance != nil {
						return cfg.OnInsufficientBalance(c, insufficient)
					}
					return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
						"error":     "Insufficient balance",
						"available": insufficient.Available,
						"required":  insufficient.Required,
						"shortfall": insufficient.Shortfall,
					})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			handlerErr := next(c)

			// Settle after the handler; a partial debit is acceptable here.
			if _, err := cfg.Ledger.Debit(ctx, userID, cost, cfg.GetTier(c), cfg.Reason); err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
			}
			return handlerErr
		}
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo
// context values set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter.
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// Convenience extractors for Tier and Cost

// FixedTier returns a TierExtractor that always returns a fixed tier.
func FixedTier(tier ledger.Tier) TierExtractor {
	return func(echo.Context) ledger.Tier {
		return tier
	}
}

// TierFromHeader returns a TierExtractor that reads the tier from a
// header, falling back to TierPaid for unknown values.
func TierFromHeader(headerName string) TierExtractor {
	return func(c echo.Context) ledger.Tier {
		tier := ledger.Tier(c.Request().Header.Get(headerName))
		if !tier.Valid() {
			return ledger.TierPaid
		}
		return tier
	}
}

// FixedCost returns a CostExtractor that always returns a fixed cost.
func FixedCost(cost int64) CostExtractor {
	return func(echo.Context) (int64, error) {
		return cost, nil
	}
}

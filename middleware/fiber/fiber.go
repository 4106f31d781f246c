// Package fiber provides Fiber middleware for token metering.
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// TierExtractor extracts the usage tier from a Fiber context.
type TierExtractor func(c *fiber.Ctx) ledger.Tier

// CostExtractor calculates the token cost of the request.
type CostExtractor func(c *fiber.Ctx) (int64, error)

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
	OnInsufficientBalance func(c *fiber.Ctx, check *ledger.InsufficientBalanceError) error

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that meters token usage: balance
// check before the handler, flat settle after it.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("tokenledger/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("tokenledger/fiber: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("tokenledger/fiber: Config.GetCost is required")
	}

	if cfg.GetTier == nil {
		cfg.GetTier = FixedTier(ledger.TierPaid)
	}
	if cfg.Reason == "" {
		cfg.Reason = "api request"
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		cost, err := cfg.GetCost(c)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber uses fasthttp, so context.Context comes from UserContext.
		ctx := c.UserContext()
		if err := cfg.Ledger.CheckBalance(ctx, userID, cost); err != nil {
			var insufficient *ledger.InsufficientBalanceError
			if errors.As(err, &insufficient) {
				if cfg.OnInsufficientBalance != nil {
					return cfg.OnInsufficientBalance(c, insufficient)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":     "Insufficient balance",
					"available": insufficient.Available,
					"required":  insufficient.Required,
					"shortfall": insufficient.Shortfall,
				})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		handlerErr := c.Next()

		// Settle after the handler; a partial debit is acceptable here.
		if _, err := cfg.Ledger.Debit(ctx, userID, cost, cfg.GetTier(c), cfg.Reason); err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
		}
		return handlerErr
	}
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber
// locals set by auth middleware via c.Locals("UserID", "...").
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter.
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Tier and Cost

// FixedTier returns a TierExtractor that always returns a fixed tier.
func FixedTier(tier ledger.Tier) TierExtractor {
	return func(*fiber.Ctx) ledger.Tier {
		return tier
	}
}

// TierFromHeader returns a TierExtractor that reads the tier from a
// header, falling back to TierPaid for unknown values.
func TierFromHeader(headerName string) TierExtractor {
	return func(c *fiber.Ctx) ledger.Tier {
		tier := ledger.Tier(c.Get(headerName))
		if !tier.Valid() {
			return ledger.TierPaid
		}
		return tier
	}
}

// FixedCost returns a CostExtractor that always returns a fixed cost.
func FixedCost(cost int64) CostExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return cost, nil
	}
}

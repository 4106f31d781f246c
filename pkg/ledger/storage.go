package ledger

import (
	"context"
)

// Store defines the interface for ledger persistence.
//
// Implementations must apply DebitTokens and CreditTokens atomically:
// two concurrent calls against the same account must never lose an
// update. The in-memory adapter serializes on a mutex, the Redis adapter
// runs Lua scripts, and the SQL/document adapters use transactions with
// row or document locks.
type Store interface {
	// CreateAccount creates an account with the given free-pool grant if
	// none exists, and returns the account either way (insert-if-absent).
	CreateAccount(ctx context.Context, userID string, freeGrant int64) (*Account, error)

	// GetAccount retrieves an account. Returns ErrAccountNotFound if the
	// user has no account.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// DebitTokens atomically removes tokens from the account following the
	// requested pool draw order. Pools never go below zero; the uncovered
	// remainder is reported in DebitResult.Shortfall.
	DebitTokens(ctx context.Context, req *DebitRequest) (*DebitResult, error)

	// CreditTokens atomically adds tokens to a single pool. Payment
	// credits additionally append a plan-history entry and apply the
	// active-plan upgrade rule; a payment ID already present in the plan
	// history returns ErrDuplicatePayment without mutating the account.
	CreditTokens(ctx context.Context, req *CreditRequest) (*CreditResult, error)

	// MarkPurchaseRefunded flips the status of the plan-history entry with
	// the given payment ID to refunded. Token pools are not touched; the
	// refund is tracked as a liability only. Returns ErrAccountNotFound or
	// ErrPlanNotFound when the account or purchase is missing.
	MarkPurchaseRefunded(ctx context.Context, userID, paymentID string) (*PlanPurchase, error)

	// IncrementPlanStats atomically bumps the purchase count and revenue
	// for a plan.
	IncrementPlanStats(ctx context.Context, planID string, revenue int64) error

	// GetPlanStats retrieves aggregate purchase statistics for a plan.
	// Returns zero-valued stats (not an error) for plans never purchased.
	GetPlanStats(ctx context.Context, planID string) (*PlanStats, error)
}

// DebitRequest represents an atomic token debit.
type DebitRequest struct {
	UserID string

	// Amount is the total to remove across pools, always > 0.
	Amount int64

	// Order is the pool draw order; the first pool is drained before the
	// debit spills into the next.
	Order []Pool

	// Reason is recorded on each resulting transaction.
	Reason string

	// Tier is the requested usage tier, kept for metrics and audit. The
	// transactions themselves are tagged with the pool actually drawn.
	Tier Tier
}

// CreditRequest represents an atomic token credit.
type CreditRequest struct {
	UserID string

	// Amount is the number of tokens to add, always > 0.
	Amount int64

	// Pool is the destination pool, derived from Source by the manager.
	Pool Pool

	// Source is what caused the credit.
	Source Source

	// Reason is recorded on the resulting transaction.
	Reason string

	// PaymentID and Plan are set for payment credits. PaymentID is the
	// dedupe key for the plan history; Plan supplies the history snapshot
	// and the upgrade rule input.
	PaymentID string
	Plan      *Plan

	// AmountPaid is the settled price in minor units, snapshotted into
	// the plan history (may differ from the catalog price).
	AmountPaid int64
}

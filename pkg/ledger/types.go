package ledger

import (
	"time"
)

// Tier classifies a chat request or purchasable plan.
type Tier string

const (
	// TierFree is the zero-cost tier.
	TierFree Tier = "free"
	// TierPaid is the standard paid tier.
	TierPaid Tier = "paid"
	// TierPremium is the highest tier.
	TierPremium Tier = "premium"
)

// Weight returns the ordering weight of a tier. Higher weight means a
// higher tier. Unknown tiers weigh -1 so they never win an upgrade.
func (t Tier) Weight() int {
	switch t {
	case TierFree:
		return 0
	case TierPaid:
		return 1
	case TierPremium:
		return 2
	default:
		return -1
	}
}

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPaid || t == TierPremium
}

// Pool identifies one of the two token sub-balances composing an account's
// total balance.
type Pool string

const (
	// PoolFree holds tokens granted for free (signup grants, promotions).
	PoolFree Pool = "free"
	// PoolPaid holds tokens purchased through a payment.
	PoolPaid Pool = "paid"
)

// Source identifies where a credit originates.
type Source string

const (
	// SourceFreeGrant credits the free pool.
	SourceFreeGrant Source = "free-grant"
	// SourcePayment credits the paid pool and records a plan purchase.
	SourcePayment Source = "payment"
)

// TransactionKind is the direction of a ledger transaction.
type TransactionKind string

const (
	// KindDebit removes tokens from a pool.
	KindDebit TransactionKind = "debit"
	// KindCredit adds tokens to a pool.
	KindCredit TransactionKind = "credit"
)

// Transaction is a single entry in an account's audit log. The Pool field
// records the pool the tokens actually moved through, which for debits may
// differ from the tier the caller requested.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      TransactionKind `json:"kind"`
	Amount    int64           `json:"amount"`
	Pool      Pool            `json:"pool"`
	Reason    string          `json:"reason"`
	PaymentID string          `json:"payment_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PurchaseStatus is the lifecycle state of a plan purchase.
type PurchaseStatus string

const (
	// PurchaseCompleted means the purchase was credited to the account.
	PurchaseCompleted PurchaseStatus = "completed"
	// PurchaseRefunded means the purchase was refunded after completion.
	PurchaseRefunded PurchaseStatus = "refunded"
)

// PlanPurchase is one entry in an account's plan history. PaymentID is the
// natural dedupe key within the list: the ledger refuses a second payment
// credit carrying a payment ID that is already present.
type PlanPurchase struct {
	PlanID        string         `json:"plan_id"`
	GrantedTokens int64          `json:"granted_tokens"`
	AmountPaid    int64          `json:"amount_paid"`
	PaymentID     string         `json:"payment_id"`
	PurchasedAt   time.Time      `json:"purchased_at"`
	Status        PurchaseStatus `json:"status"`
}

// Account is the per-user token balance. Balance is always the sum of the
// two pools; TotalUsed only ever grows. The transaction log is capped to
// the most recent MaxTransactions entries, newest first.
type Account struct {
	UserID         string         `json:"user_id"`
	FreeTokens     int64          `json:"free_tokens"`
	PaidTokens     int64          `json:"paid_tokens"`
	Balance        int64          `json:"balance"`
	TotalUsed      int64          `json:"total_used"`
	ActivePlanID   string         `json:"active_plan_id,omitempty"`
	ActivePlanTier Tier           `json:"active_plan_tier,omitempty"`
	Transactions   []Transaction  `json:"transactions"`
	PlanHistory    []PlanPurchase `json:"plan_history"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MaxTransactions is the cap on the inline transaction log.
const MaxTransactions = 200

// HasPayment reports whether the account's plan history already contains a
// purchase with the given payment ID.
func (a *Account) HasPayment(paymentID string) bool {
	if paymentID == "" {
		return false
	}
	for _, p := range a.PlanHistory {
		if p.PaymentID == paymentID {
			return true
		}
	}
	return false
}

// Plan is a purchasable token package. Price is in the currency's minor
// units. Plans referenced by a completed purchase must be treated as
// immutable; the plan history snapshots the grant and price at purchase
// time so later catalog edits never rewrite history.
type Plan struct {
	ID         string `json:"id"`
	Price      int64  `json:"price"`
	TokenGrant int64  `json:"token_grant"`
	Tier       Tier   `json:"tier"`
	Active     bool   `json:"active"`
}

// PlanStats tracks aggregate purchase statistics for a plan.
type PlanStats struct {
	PlanID    string `json:"plan_id"`
	Purchases int64  `json:"purchases"`
	Revenue   int64  `json:"revenue"`
}

// DebitResult reports the outcome of a debit. A debit never fails on
// insufficient funds; the uncovered remainder comes back as Shortfall and
// the caller decides whether a partial debit is acceptable.
type DebitResult struct {
	// Debited is the amount actually removed across both pools.
	Debited int64

	// Shortfall is the requested amount that could not be covered.
	Shortfall int64

	// NewBalance is the account balance after the debit.
	NewBalance int64

	// FreeDrawn and PaidDrawn break the debit down by pool.
	FreeDrawn int64
	PaidDrawn int64
}

// CreditResult reports the outcome of a credit.
type CreditResult struct {
	// Credited is the amount added.
	Credited int64

	// NewBalance is the account balance after the credit.
	NewBalance int64

	// Pool is the pool the credit landed in.
	Pool Pool

	// PlanUpgraded is true when the credit changed the active plan.
	PlanUpgraded bool
}

// CreditOption configures a payment credit.
type CreditOption func(*CreditOptions)

// CreditOptions holds options for the Credit operation.
type CreditOptions struct {
	// PaymentID ties the credit to an external payment for idempotency.
	PaymentID string

	// Plan is the purchased plan; used for the plan-history entry and the
	// active-plan upgrade rule.
	Plan *Plan

	// Reason overrides the default transaction reason.
	Reason string
}

// WithPayment attaches the payment identifier and purchased plan to a
// credit. Required when source is SourcePayment.
func WithPayment(paymentID string, plan *Plan) CreditOption {
	return func(opts *CreditOptions) {
		opts.PaymentID = paymentID
		opts.Plan = plan
	}
}

// WithReason overrides the transaction reason recorded for the credit.
func WithReason(reason string) CreditOption {
	return func(opts *CreditOptions) {
		opts.Reason = reason
	}
}

// Config holds ledger manager configuration.
type Config struct {
	// SignupGrant is the free-pool grant applied when an account is first
	// created (default: 0, no grant).
	SignupGrant int64

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics).
	Metrics Metrics
}

// Package ledger implements a per-user prepaid token balance split into a
// free pool and a paid pool, with an inline capped transaction log.
//
// Debits and credits never fail on insufficient funds: a debit drains what
// it can in tier-dependent pool order and reports the uncovered shortfall,
// leaving the caller to decide whether a partial debit is acceptable. The
// invariant Balance == FreeTokens + PaidTokens holds at every observable
// point; atomicity is delegated to the Store implementations.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Manager coordinates ledger operations over a Store.
type Manager struct {
	store   Store
	config  Config
	logger  Logger
	metrics Metrics
}

// NewManager creates a new ledger manager with the given storage and
// configuration.
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Manager{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// EnsureAccount creates the user's account with the configured signup
// grant if it does not exist yet, and returns it either way.
func (m *Manager) EnsureAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	start := time.Now()
	acct, err := m.store.CreateAccount(ctx, userID, m.config.SignupGrant)
	m.metrics.RecordStorageOperation("create_account", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return acct, nil
}

// GetAccount retrieves the user's account.
func (m *Manager) GetAccount(ctx context.Context, userID string) (*Account, error) {
	start := time.Now()
	acct, err := m.store.GetAccount(ctx, userID)
	m.metrics.RecordStorageOperation("get_account", time.Since(start), err)
	return acct, err
}

// Debit removes amount tokens from the user's balance, drawing pools in
// tier order: free-tier usage drains the free pool first and spills into
// the paid pool, paid and premium usage drain the paid pool first. The
// amount that could not be covered comes back as Shortfall; Debit itself
// never fails on an empty balance.
func (m *Manager) Debit(ctx context.Context, userID string, amount int64, tier Tier, reason string) (*DebitResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	if amount == 0 {
		// No-op: report the current balance without mutating anything.
		acct, err := m.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &DebitResult{NewBalance: acct.Balance}, nil
	}

	start := time.Now()
	res, err := m.store.DebitTokens(ctx, &DebitRequest{
		UserID: userID,
		Amount: amount,
		Order:  DrawOrder(tier),
		Reason: reason,
		Tier:   tier,
	})
	m.metrics.RecordStorageOperation("debit", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	m.metrics.RecordDebit(string(tier), res.Debited, res.Shortfall > 0)
	if res.Shortfall > 0 {
		m.metrics.RecordShortfall(string(tier), res.Shortfall)
		m.logger.Warn("partial debit",
			Field{Key: "user_id", Value: userID},
			Field{Key: "requested", Value: amount},
			Field{Key: "shortfall", Value: res.Shortfall},
		)
	}

	m.logger.Debug("debit applied",
		Field{Key: "user_id", Value: userID},
		Field{Key: "tier", Value: string(tier)},
		Field{Key: "debited", Value: res.Debited},
		Field{Key: "balance", Value: res.NewBalance},
	)
	return res, nil
}

// Credit adds amount tokens to the user's balance. Payment credits land in
// the paid pool and append a plan-history entry carrying the payment ID;
// everything else lands in the free pool. A payment ID already present in
// the plan history returns ErrDuplicatePayment untouched.
func (m *Manager) Credit(ctx context.Context, userID string, amount int64, source Source, opts ...CreditOption) (*CreditResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	options := CreditOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if source == SourcePayment {
		if options.PaymentID == "" || options.Plan == nil {
			return nil, fmt.Errorf("payment credit requires a payment ID and plan")
		}
	}

	if amount == 0 {
		acct, err := m.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &CreditResult{NewBalance: acct.Balance, Pool: poolForSource(source)}, nil
	}

	reason := options.Reason
	if reason == "" {
		if source == SourcePayment {
			reason = "plan purchase"
		} else {
			reason = "free grant"
		}
	}

	amountPaid := int64(0)
	if options.Plan != nil {
		amountPaid = options.Plan.Price
	}

	start := time.Now()
	res, err := m.store.CreditTokens(ctx, &CreditRequest{
		UserID:     userID,
		Amount:     amount,
		Pool:       poolForSource(source),
		Source:     source,
		Reason:     reason,
		PaymentID:  options.PaymentID,
		Plan:       options.Plan,
		AmountPaid: amountPaid,
	})
	m.metrics.RecordStorageOperation("credit", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	m.metrics.RecordCredit(string(source), amount)
	m.logger.Info("credit applied",
		Field{Key: "user_id", Value: userID},
		Field{Key: "source", Value: string(source)},
		Field{Key: "amount", Value: amount},
		Field{Key: "balance", Value: res.NewBalance},
	)
	return res, nil
}

// CheckBalance is a pre-flight, read-only check that the account can cover
// an estimated cost. It does not reserve or debit anything; the actual
// debit happens after the metered call completes. Returns an
// *InsufficientBalanceError carrying the exact shortfall when the balance
// cannot cover the estimate.
func (m *Manager) CheckBalance(ctx context.Context, userID string, estimate int64) error {
	if estimate < 0 {
		return ErrInvalidAmount
	}
	if estimate == 0 {
		return nil
	}

	acct, err := m.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if acct.Balance < estimate {
		return &InsufficientBalanceError{
			Required:  estimate,
			Available: acct.Balance,
			Shortfall: estimate - acct.Balance,
		}
	}
	return nil
}

// Refund marks the purchase with the given payment ID as refunded. Tokens
// already granted are not clawed back; the refunded purchase is tracked as
// a separate liability in the plan history.
func (m *Manager) Refund(ctx context.Context, userID, paymentID string) (*PlanPurchase, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("payment ID is required")
	}

	start := time.Now()
	purchase, err := m.store.MarkPurchaseRefunded(ctx, userID, paymentID)
	m.metrics.RecordStorageOperation("refund", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	m.logger.Info("purchase refunded",
		Field{Key: "user_id", Value: userID},
		Field{Key: "payment_id", Value: paymentID},
		Field{Key: "plan_id", Value: purchase.PlanID},
	)
	return purchase, nil
}

// PlanStats retrieves aggregate purchase statistics for a plan.
func (m *Manager) PlanStats(ctx context.Context, planID string) (*PlanStats, error) {
	return m.store.GetPlanStats(ctx, planID)
}

// Store exposes the underlying store. Reconciliation uses it for the
// atomic plan-stats bump.
func (m *Manager) Store() Store {
	return m.store
}

// DrawOrder returns the pool draw order for a usage tier: free-tier usage
// drains the free pool first, paid and premium usage drain the paid pool
// first. Either way the debit spills into the remaining pool on
// exhaustion.
func DrawOrder(tier Tier) []Pool {
	if tier == TierFree {
		return []Pool{PoolFree, PoolPaid}
	}
	return []Pool{PoolPaid, PoolFree}
}

func poolForSource(source Source) Pool {
	if source == SourcePayment {
		return PoolPaid
	}
	return PoolFree
}

// Package postgres provides a PostgreSQL implementation of the
// ledger.Store and billing.EventStore interfaces. Balance mutations run
// inside SQL transactions with SELECT FOR UPDATE on the account row, and
// the event claim is a single conditional UPDATE, so concurrent callers
// never lose an update.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// Storage implements ledger.Store and billing.EventStore using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Schema is the DDL for the tables this adapter uses. Apply it with
// EnsureSchema or through your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id          TEXT PRIMARY KEY,
	free_tokens      BIGINT NOT NULL DEFAULT 0,
	paid_tokens      BIGINT NOT NULL DEFAULT 0,
	total_used       BIGINT NOT NULL DEFAULT 0,
	active_plan_id   TEXT NOT NULL DEFAULT '',
	active_plan_tier TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES accounts(user_id),
	kind       TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	pool       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	payment_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_transactions_user
	ON ledger_transactions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS plan_history (
	user_id        TEXT NOT NULL REFERENCES accounts(user_id),
	payment_id     TEXT NOT NULL,
	plan_id        TEXT NOT NULL,
	granted_tokens BIGINT NOT NULL,
	amount_paid    BIGINT NOT NULL,
	purchased_at   TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	PRIMARY KEY (user_id, payment_id)
);

CREATE TABLE IF NOT EXISTS payment_events (
	provider           TEXT NOT NULL,
	event_id           TEXT NOT NULL,
	event_type         TEXT NOT NULL DEFAULT '',
	payment_id         TEXT NOT NULL DEFAULT '',
	order_id           TEXT NOT NULL DEFAULT '',
	signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
	processed          BOOLEAN NOT NULL DEFAULT FALSE,
	claimed            BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at       TIMESTAMPTZ,
	attempts           INTEGER NOT NULL DEFAULT 0,
	payload            BYTEA,
	result             JSONB,
	first_seen_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, event_id)
);

CREATE TABLE IF NOT EXISTS plan_stats (
	plan_id   TEXT PRIMARY KEY,
	purchases BIGINT NOT NULL DEFAULT 0,
	revenue   BIGINT NOT NULL DEFAULT 0
);
`

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAccount implements ledger.Store with insert-if-absent semantics.
func (s *Storage) CreateAccount(ctx context.Context, userID string, freeGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("invalid user ID")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, free_tokens, paid_tokens, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, freeGrant, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if tag.RowsAffected() == 1 && freeGrant > 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_transactions (id, user_id, kind, amount, pool, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), userID, ledger.KindCredit, freeGrant, ledger.PoolFree, "signup grant", now)
		if err != nil {
			return nil, fmt.Errorf("failed to record signup grant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return s.GetAccount(ctx, userID)
}

// GetAccount implements ledger.Store. The transaction log comes back
// newest first, capped to ledger.MaxTransactions entries.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	var acct ledger.Account
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, free_tokens, paid_tokens, total_used,
				active_plan_id, active_plan_tier, created_at, updated_at
			FROM accounts WHERE user_id = $1`,
		userID).Scan(
		&acct.UserID,
		&acct.FreeTokens,
		&acct.PaidTokens,
		&acct.TotalUsed,
		&acct.ActivePlanID,
		&acct.ActivePlanTier,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct.Balance = acct.FreeTokens + acct.PaidTokens

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, amount, pool, reason, payment_id, created_at
			FROM ledger_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id
			LIMIT $2`,
		userID, ledger.MaxTransactions)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t ledger.Transaction
		if err := rows.Scan(&t.ID, &t.Kind, &t.Amount, &t.Pool, &t.Reason, &t.PaymentID, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		acct.Transactions = append(acct.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}

	historyRows, err := s.pool.Query(ctx,
		`SELECT plan_id, granted_tokens, amount_paid, payment_id, purchased_at, status
			FROM plan_history
			WHERE user_id = $1
			ORDER BY purchased_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan history: %w", err)
	}
	defer historyRows.Close()

	for historyRows.Next() {
		var p ledger.PlanPurchase
		if err := historyRows.Scan(&p.PlanID, &p.GrantedTokens, &p.AmountPaid, &p.PaymentID, &p.PurchasedAt, &p.Status); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		acct.PlanHistory = append(acct.PlanHistory, p)
	}
	if err := historyRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan history: %w", err)
	}

	return &acct, nil
}

// DebitTokens implements ledger.Store. The account row is locked for the
// whole draw, so concurrent debits serialize on it.
func (s *Storage) DebitTokens(ctx context.Context, req *ledger.DebitRequest) (*ledger.DebitResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var free, paid int64
	err = tx.QueryRow(ctx,
		`SELECT free_tokens, paid_tokens FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&free, &paid)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	now := time.Now().UTC()
	res := &ledger.DebitResult{}
	remaining := req.Amount

	for _, pool := range req.Order {
		if remaining == 0 {
			break
		}
		available := free
		if pool == ledger.PoolPaid {
			available = paid
		}
		drawn := remaining
		if drawn > available {
			drawn = available
		}
		if drawn == 0 {
			continue
		}

		if pool == ledger.PoolFree {
			free -= drawn
			res.FreeDrawn += drawn
		} else {
			paid -= drawn
			res.PaidDrawn += drawn
		}
		remaining -= drawn
		res.Debited += drawn

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_transactions (id, user_id, kind, amount, pool, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), req.UserID, ledger.KindDebit, drawn, pool, req.Reason, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record debit: %w", err)
		}
	}

	res.Shortfall = remaining
	res.NewBalance = free + paid

	_, err = tx.Exec(ctx,
		`UPDATE accounts
			SET free_tokens = $1, paid_tokens = $2, total_used = total_used + $3, updated_at = $4
			WHERE user_id = $5`,
		free, paid, res.Debited, now, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	if err := s.pruneTransactions(ctx, tx, req.UserID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// CreditTokens implements ledger.Store.
func (s *Storage) CreditTokens(ctx context.Context, req *ledger.CreditRequest) (*ledger.CreditResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var free, paid int64
	var activePlanID string
	var activePlanTier ledger.Tier
	err = tx.QueryRow(ctx,
		`SELECT free_tokens, paid_tokens, active_plan_id, active_plan_tier
			FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&free, &paid, &activePlanID, &activePlanTier)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	if req.Source == ledger.SourcePayment && req.PaymentID != "" {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM plan_history WHERE user_id = $1 AND payment_id = $2)`,
			req.UserID, req.PaymentID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check payment: %w", err)
		}
		if exists {
			return nil, ledger.ErrDuplicatePayment
		}
	}

	now := time.Now().UTC()
	if req.Pool == ledger.PoolFree {
		free += req.Amount
	} else {
		paid += req.Amount
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, user_id, kind, amount, pool, reason, payment_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), req.UserID, ledger.KindCredit, req.Amount, req.Pool, req.Reason, req.PaymentID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record credit: %w", err)
	}

	res := &ledger.CreditResult{
		Credited:   req.Amount,
		NewBalance: free + paid,
		Pool:       req.Pool,
	}

	if req.Source == ledger.SourcePayment && req.Plan != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO plan_history (user_id, payment_id, plan_id, granted_tokens, amount_paid, purchased_at, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			req.UserID, req.PaymentID, req.Plan.ID, req.Amount, req.AmountPaid, now, ledger.PurchaseCompleted)
		if err != nil {
			return nil, fmt.Errorf("failed to record purchase: %w", err)
		}

		// Upgrade only to a strictly higher tier, never downgrade.
		if activePlanID == "" || req.Plan.Tier.Weight() > activePlanTier.Weight() {
			activePlanID = req.Plan.ID
			activePlanTier = req.Plan.Tier
			res.PlanUpgraded = true
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts
			SET free_tokens = $1, paid_tokens = $2, active_plan_id = $3, active_plan_tier = $4, updated_at = $5
			WHERE user_id = $6`,
		free, paid, activePlanID, activePlanTier, now, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	if err := s.pruneTransactions(ctx, tx, req.UserID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// pruneTransactions enforces the transaction log cap inside the calling
// transaction.
func (s *Storage) pruneTransactions(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM ledger_transactions
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM ledger_transactions
				WHERE user_id = $1
				ORDER BY created_at DESC, id
				LIMIT $2
			)`,
		userID, ledger.MaxTransactions)
	if err != nil {
		return fmt.Errorf("failed to prune transactions: %w", err)
	}
	return nil
}

// MarkPurchaseRefunded implements ledger.Store.
func (s *Storage) MarkPurchaseRefunded(ctx context.Context, userID, paymentID string) (*ledger.PlanPurchase, error) {
	var p ledger.PlanPurchase
	err := s.pool.QueryRow(ctx,
		`UPDATE plan_history SET status = $1
			WHERE user_id = $2 AND payment_id = $3
			RETURNING plan_id, granted_tokens, amount_paid, payment_id, purchased_at, status`,
		ledger.PurchaseRefunded, userID, paymentID).Scan(
		&p.PlanID, &p.GrantedTokens, &p.AmountPaid, &p.PaymentID, &p.PurchasedAt, &p.Status)
	if err == pgx.ErrNoRows {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = $1)`,
			userID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check account: %w", err)
		}
		if !exists {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase refunded: %w", err)
	}
	return &p, nil
}

// IncrementPlanStats implements ledger.Store.
func (s *Storage) IncrementPlanStats(ctx context.Context, planID string, revenue int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plan_stats (plan_id, purchases, revenue)
			VALUES ($1, 1, $2)
			ON CONFLICT (plan_id) DO UPDATE SET
				purchases = plan_stats.purchases + 1,
				revenue = plan_stats.revenue + EXCLUDED.revenue`,
		planID, revenue)
	if err != nil {
		return fmt.Errorf("failed to increment plan stats: %w", err)
	}
	return nil
}

// GetPlanStats implements ledger.Store.
func (s *Storage) GetPlanStats(ctx context.Context, planID string) (*ledger.PlanStats, error) {
	stats := &ledger.PlanStats{PlanID: planID}
	err := s.pool.QueryRow(ctx,
		`SELECT purchases, revenue FROM plan_stats WHERE plan_id = $1`,
		planID).Scan(&stats.Purchases, &stats.Revenue)
	if err == pgx.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan stats: %w", err)
	}
	return stats, nil
}

// RecordSighting implements billing.EventStore with insert-if-absent
// semantics via ON CONFLICT DO NOTHING.
func (s *Storage) RecordSighting(ctx context.Context, ev *billing.PaymentEvent) (*billing.PaymentEvent, error) {
	if ev == nil || ev.Provider == "" || ev.EventID == "" {
		return nil, fmt.Errorf("invalid payment event")
	}

	firstSeen := ev.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_events
			(provider, event_id, event_type, payment_id, order_id, signature_verified, payload, first_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		ev.Provider, ev.EventID, ev.EventType, ev.PaymentID, ev.OrderID,
		ev.SignatureVerified, ev.Payload, firstSeen)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	return s.GetEvent(ctx, ev.Provider, ev.EventID)
}

// GetEvent implements billing.EventStore.
func (s *Storage) GetEvent(ctx context.Context, provider, eventID string) (*billing.PaymentEvent, error) {
	return s.scanEvent(s.pool.QueryRow(ctx,
		`SELECT provider, event_id, event_type, payment_id, order_id,
				signature_verified, processed, claimed, processed_at,
				attempts, payload, result, first_seen_at
			FROM payment_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID))
}

// MarkSignatureVerified implements billing.EventStore.
func (s *Storage) MarkSignatureVerified(ctx context.Context, provider, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_events SET signature_verified = TRUE
			WHERE provider = $1 AND event_id = $2`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark signature verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEventNotFound
	}
	return nil
}

// Claim implements billing.EventStore. The conditional UPDATE is atomic,
// so exactly one of two racing callers gets a row back.
func (s *Storage) Claim(ctx context.Context, provider, eventID string) (bool, *billing.PaymentEvent, error) {
	ev, err := s.scanEvent(s.pool.QueryRow(ctx,
		`UPDATE payment_events SET claimed = TRUE
			WHERE provider = $1 AND event_id = $2 AND NOT processed AND NOT claimed
			RETURNING provider, event_id, event_type, payment_id, order_id,
				signature_verified, processed, claimed, processed_at,
				attempts, payload, result, first_seen_at`,
		provider, eventID))
	if err == nil {
		return true, ev, nil
	}
	if err != billing.ErrEventNotFound {
		return false, nil, err
	}

	// Claim lost or event missing; fetch the current state for the caller.
	ev, err = s.GetEvent(ctx, provider, eventID)
	if err != nil {
		return false, nil, err
	}
	return false, ev, nil
}

// ReleaseClaim implements billing.EventStore. Processed is final; a late
// release must not reopen the event.
func (s *Storage) ReleaseClaim(ctx context.Context, provider, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_events SET claimed = FALSE, attempts = attempts + 1
			WHERE provider = $1 AND event_id = $2 AND NOT processed`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_events WHERE provider = $1 AND event_id = $2)`,
			provider, eventID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check event: %w", err)
		}
		if !exists {
			return billing.ErrEventNotFound
		}
	}
	return nil
}

// MarkProcessed implements billing.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, result *billing.Outcome) error {
	var resultJSON interface{}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal outcome: %w", err)
		}
		resultJSON = string(data)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_events
			SET processed = TRUE, claimed = FALSE, processed_at = $1, result = $2
			WHERE provider = $3 AND event_id = $4`,
		time.Now().UTC(), resultJSON, provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEventNotFound
	}
	return nil
}

func (s *Storage) scanEvent(row pgx.Row) (*billing.PaymentEvent, error) {
	var ev billing.PaymentEvent
	var resultJSON []byte

	err := row.Scan(
		&ev.Provider,
		&ev.EventID,
		&ev.EventType,
		&ev.PaymentID,
		&ev.OrderID,
		&ev.SignatureVerified,
		&ev.Processed,
		&ev.Claimed,
		&ev.ProcessedAt,
		&ev.Attempts,
		&ev.Payload,
		&resultJSON,
		&ev.FirstSeenAt,
	)
	if err == pgx.ErrNoRows {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if len(resultJSON) > 0 {
		var outcome billing.Outcome
		if err := json.Unmarshal(resultJSON, &outcome); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		ev.Result = &outcome
	}
	return &ev, nil
}

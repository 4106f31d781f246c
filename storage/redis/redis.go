// Package redis provides a Redis implementation of the ledger.Store and
// billing.EventStore interfaces. Accounts and payment events are stored
// as JSON documents and every read-modify-write runs inside a Lua script,
// so concurrent debits, credits and event claims never lose an update.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

func newTransactionID() string {
	return uuid.NewString()
}

// Storage implements ledger.Store and billing.EventStore using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tokenledger:").
	KeyPrefix string

	// AccountTTL is the TTL for account keys (0 = no expiration).
	// Balances are durable state, so the default is no expiration.
	AccountTTL time.Duration

	// EventTTL is the TTL for payment event keys (0 = no expiration).
	// Events back idempotency, so expiring them reopens old payments;
	// only set this if the gateway bounds its retry horizon.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "tokenledger:",
		AccountTTL: 0,
		EventTTL:   0,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "tokenledger:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations.
//
// The scripts decode the stored JSON document with cjson, mutate it and
// write it back. cjson encodes empty Lua tables as objects, so list
// fields are nilled out when empty to keep the JSON decodable in Go.
func (s *Storage) loadScripts() {
	// Shared helpers prepended to every account script.
	const accountHelpers = `
		local MAX_TX = 200

		local function tier_weight(t)
			if t == 'free' then return 0 end
			if t == 'paid' then return 1 end
			if t == 'premium' then return 2 end
			return -1
		end

		local function as_list(v)
			if type(v) == 'table' then return v end
			return {}
		end

		local function prepend_tx(txs, tx)
			table.insert(txs, 1, tx)
			while #txs > MAX_TX do
				table.remove(txs)
			end
			return txs
		end

		local function save(key, acct, ttl)
			if #acct.transactions == 0 then acct.transactions = nil end
			if #acct.plan_history == 0 then acct.plan_history = nil end
			redis.call('SET', key, cjson.encode(acct))
			if ttl > 0 then
				redis.call('EXPIRE', key, ttl)
			end
		end

		local function load(key)
			local raw = redis.call('GET', key)
			if not raw then return nil end
			local acct = cjson.decode(raw)
			acct.transactions = as_list(acct.transactions)
			acct.plan_history = as_list(acct.plan_history)
			return acct
		end
	`

	// Debit following the pool draw order. Pools never go below zero;
	// the uncovered remainder comes back as shortfall.
	// KEYS[1] account key
	// ARGV: amount, order (comma separated), reason, now, ttl, txID1, txID2
	s.scripts["debit"] = redis.NewScript(accountHelpers + `
		local acct = load(KEYS[1])
		if not acct then
			return {err = 'account_not_found'}
		end

		local amount = tonumber(ARGV[1])
		local order = ARGV[2]
		local reason = ARGV[3]
		local now = ARGV[4]
		local ttl = tonumber(ARGV[5])

		local remaining = amount
		local freeDrawn = 0
		local paidDrawn = 0
		local txIndex = 6

		for pool in string.gmatch(order, '[^,]+') do
			if remaining == 0 then break end

			local available
			if pool == 'free' then
				available = acct.free_tokens
			else
				available = acct.paid_tokens
			end

			local drawn = remaining
			if drawn > available then drawn = available end

			if drawn > 0 then
				if pool == 'free' then
					acct.free_tokens = acct.free_tokens - drawn
					freeDrawn = freeDrawn + drawn
				else
					acct.paid_tokens = acct.paid_tokens - drawn
					paidDrawn = paidDrawn + drawn
				end
				remaining = remaining - drawn

				prepend_tx(acct.transactions, {
					id = ARGV[txIndex],
					kind = 'debit',
					amount = drawn,
					pool = pool,
					reason = reason,
					timestamp = now,
				})
				txIndex = txIndex + 1
			end
		end

		acct.total_used = acct.total_used + (amount - remaining)
		acct.balance = acct.free_tokens + acct.paid_tokens
		acct.updated_at = now
		save(KEYS[1], acct, ttl)

		return {amount - remaining, remaining, acct.balance, freeDrawn, paidDrawn}
	`)

	// Credit a single pool. Payment credits check the plan history for the
	// payment ID first, append a purchase entry and apply the upgrade rule.
	// KEYS[1] account key
	// ARGV: amount, pool, source, reason, paymentID, planJSON, amountPaid,
	//       now, ttl, txID
	s.scripts["credit"] = redis.NewScript(accountHelpers + `
		local acct = load(KEYS[1])
		if not acct then
			return {err = 'account_not_found'}
		end

		local amount = tonumber(ARGV[1])
		local pool = ARGV[2]
		local source = ARGV[3]
		local reason = ARGV[4]
		local paymentID = ARGV[5]
		local planJSON = ARGV[6]
		local amountPaid = tonumber(ARGV[7])
		local now = ARGV[8]
		local ttl = tonumber(ARGV[9])
		local txID = ARGV[10]

		if source == 'payment' and paymentID ~= '' then
			for _, p in ipairs(acct.plan_history) do
				if p.payment_id == paymentID then
					return {err = 'duplicate_payment'}
				end
			end
		end

		if pool == 'free' then
			acct.free_tokens = acct.free_tokens + amount
		else
			acct.paid_tokens = acct.paid_tokens + amount
		end
		acct.balance = acct.free_tokens + acct.paid_tokens
		acct.updated_at = now

		local tx = {
			id = txID,
			kind = 'credit',
			amount = amount,
			pool = pool,
			reason = reason,
			timestamp = now,
		}
		if paymentID ~= '' then tx.payment_id = paymentID end
		prepend_tx(acct.transactions, tx)

		local upgraded = 0
		if source == 'payment' and planJSON ~= '' then
			local plan = cjson.decode(planJSON)
			table.insert(acct.plan_history, {
				plan_id = plan.id,
				granted_tokens = amount,
				amount_paid = amountPaid,
				payment_id = paymentID,
				purchased_at = now,
				status = 'completed',
			})

			local current = acct.active_plan_tier or ''
			if acct.active_plan_id == nil or acct.active_plan_id == ''
				or tier_weight(plan.tier) > tier_weight(current) then
				acct.active_plan_id = plan.id
				acct.active_plan_tier = plan.tier
				upgraded = 1
			end
		end

		save(KEYS[1], acct, ttl)
		return {amount, acct.balance, upgraded}
	`)

	// Flip a plan-history entry to refunded. Pools are not touched.
	// KEYS[1] account key
	// ARGV: paymentID, now, ttl
	s.scripts["refund"] = redis.NewScript(accountHelpers + `
		local acct = load(KEYS[1])
		if not acct then
			return {err = 'account_not_found'}
		end

		local paymentID = ARGV[1]
		local now = ARGV[2]
		local ttl = tonumber(ARGV[3])

		for _, p in ipairs(acct.plan_history) do
			if p.payment_id == paymentID then
				p.status = 'refunded'
				acct.updated_at = now
				save(KEYS[1], acct, ttl)
				return cjson.encode(p)
			end
		end

		return redis.error_reply('purchase_not_found')
	`)

	// Atomic claim for a payment event: exactly one caller flips the
	// claimed flag on an unprocessed, unclaimed event.
	// KEYS[1] event key
	s.scripts["claim"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {err = 'event_not_found'}
		end
		local ev = cjson.decode(raw)
		if ev.processed or ev.claimed then
			return {0, raw}
		end
		ev.claimed = true
		raw = cjson.encode(ev)
		redis.call('SET', KEYS[1], raw, 'KEEPTTL')
		return {1, raw}
	`)

	// Release the claim after a failed attempt. Processed is final.
	// KEYS[1] event key
	s.scripts["release"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {err = 'event_not_found'}
		end
		local ev = cjson.decode(raw)
		if ev.processed then
			return 'ok'
		end
		ev.claimed = false
		ev.attempts = (ev.attempts or 0) + 1
		redis.call('SET', KEYS[1], cjson.encode(ev), 'KEEPTTL')
		return 'ok'
	`)

	// Mark the event signature as verified.
	// KEYS[1] event key
	s.scripts["verify"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {err = 'event_not_found'}
		end
		local ev = cjson.decode(raw)
		ev.signature_verified = true
		redis.call('SET', KEYS[1], cjson.encode(ev), 'KEEPTTL')
		return 'ok'
	`)

	// Finalize the event with its result. Never reverts.
	// KEYS[1] event key
	// ARGV: now, resultJSON
	s.scripts["processed"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {err = 'event_not_found'}
		end
		local ev = cjson.decode(raw)
		ev.processed = true
		ev.claimed = false
		ev.processed_at = ARGV[1]
		if ARGV[2] ~= '' then
			ev.result = cjson.decode(ARGV[2])
		end
		redis.call('SET', KEYS[1], cjson.encode(ev), 'KEEPTTL')
		return 'ok'
	`)
}

// CreateAccount implements ledger.Store with insert-if-absent semantics.
func (s *Storage) CreateAccount(ctx context.Context, userID string, freeGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("invalid user ID")
	}

	now := time.Now().UTC()
	acct := &ledger.Account{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if freeGrant > 0 {
		acct.FreeTokens = freeGrant
		acct.Balance = freeGrant
		acct.Transactions = []ledger.Transaction{{
			ID:        newTransactionID(),
			Kind:      ledger.KindCredit,
			Amount:    freeGrant,
			Pool:      ledger.PoolFree,
			Reason:    "signup grant",
			Timestamp: now,
		}}
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}

	key := s.accountKey(userID)
	created, err := s.client.SetNX(ctx, key, data, s.config.AccountTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	if created {
		return acct, nil
	}
	return s.GetAccount(ctx, userID)
}

// GetAccount implements ledger.Store.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acct ledger.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// DebitTokens implements ledger.Store with atomic draw via Lua script.
func (s *Storage) DebitTokens(ctx context.Context, req *ledger.DebitRequest) (*ledger.DebitResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	order := ""
	for i, pool := range req.Order {
		if i > 0 {
			order += ","
		}
		order += string(pool)
	}

	// One transaction ID per pool the draw might touch.
	args := []interface{}{
		req.Amount,
		order,
		req.Reason,
		time.Now().UTC().Format(time.RFC3339Nano),
		int64(s.config.AccountTTL.Seconds()),
	}
	for range req.Order {
		args = append(args, newTransactionID())
	}

	result, err := s.scripts["debit"].Run(ctx, s.client, []string{s.accountKey(req.UserID)}, args...).Result()
	if err != nil {
		if isScriptError(err, "account_not_found") {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to execute debit script: %w", err)
	}

	vals, err := int64Slice(result, 5)
	if err != nil {
		return nil, fmt.Errorf("unexpected debit script result: %w", err)
	}
	return &ledger.DebitResult{
		Debited:    vals[0],
		Shortfall:  vals[1],
		NewBalance: vals[2],
		FreeDrawn:  vals[3],
		PaidDrawn:  vals[4],
	}, nil
}

// CreditTokens implements ledger.Store with atomic credit via Lua script.
func (s *Storage) CreditTokens(ctx context.Context, req *ledger.CreditRequest) (*ledger.CreditResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	planJSON := ""
	if req.Plan != nil {
		data, err := json.Marshal(req.Plan)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plan: %w", err)
		}
		planJSON = string(data)
	}

	result, err := s.scripts["credit"].Run(
		ctx,
		s.client,
		[]string{s.accountKey(req.UserID)},
		req.Amount,
		string(req.Pool),
		string(req.Source),
		req.Reason,
		req.PaymentID,
		planJSON,
		req.AmountPaid,
		time.Now().UTC().Format(time.RFC3339Nano),
		int64(s.config.AccountTTL.Seconds()),
		newTransactionID(),
	).Result()
	if err != nil {
		if isScriptError(err, "account_not_found") {
			return nil, ledger.ErrAccountNotFound
		}
		if isScriptError(err, "duplicate_payment") {
			return nil, ledger.ErrDuplicatePayment
		}
		return nil, fmt.Errorf("failed to execute credit script: %w", err)
	}

	vals, err := int64Slice(result, 3)
	if err != nil {
		return nil, fmt.Errorf("unexpected credit script result: %w", err)
	}
	return &ledger.CreditResult{
		Credited:     vals[0],
		NewBalance:   vals[1],
		Pool:         req.Pool,
		PlanUpgraded: vals[2] == 1,
	}, nil
}

// MarkPurchaseRefunded implements ledger.Store.
func (s *Storage) MarkPurchaseRefunded(ctx context.Context, userID, paymentID string) (*ledger.PlanPurchase, error) {
	result, err := s.scripts["refund"].Run(
		ctx,
		s.client,
		[]string{s.accountKey(userID)},
		paymentID,
		time.Now().UTC().Format(time.RFC3339Nano),
		int64(s.config.AccountTTL.Seconds()),
	).Result()
	if err != nil {
		if isScriptError(err, "account_not_found") {
			return nil, ledger.ErrAccountNotFound
		}
		if isScriptError(err, "purchase_not_found") {
			return nil, ledger.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to execute refund script: %w", err)
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected refund script result: %T", result)
	}
	var purchase ledger.PlanPurchase
	if err := json.Unmarshal([]byte(data), &purchase); err != nil {
		return nil, fmt.Errorf("failed to unmarshal purchase: %w", err)
	}
	return &purchase, nil
}

// IncrementPlanStats implements ledger.Store using hash counters.
func (s *Storage) IncrementPlanStats(ctx context.Context, planID string, revenue int64) error {
	key := s.planStatsKey(planID)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "purchases", 1)
	pipe.HIncrBy(ctx, key, "revenue", revenue)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment plan stats: %w", err)
	}
	return nil
}

// GetPlanStats implements ledger.Store.
func (s *Storage) GetPlanStats(ctx context.Context, planID string) (*ledger.PlanStats, error) {
	vals, err := s.client.HMGet(ctx, s.planStatsKey(planID), "purchases", "revenue").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get plan stats: %w", err)
	}

	stats := &ledger.PlanStats{PlanID: planID}
	if len(vals) == 2 {
		stats.Purchases = parseInt64(vals[0])
		stats.Revenue = parseInt64(vals[1])
	}
	return stats, nil
}

// RecordSighting implements billing.EventStore with insert-if-absent
// semantics via SETNX.
func (s *Storage) RecordSighting(ctx context.Context, ev *billing.PaymentEvent) (*billing.PaymentEvent, error) {
	if ev == nil || ev.Provider == "" || ev.EventID == "" {
		return nil, fmt.Errorf("invalid payment event")
	}

	stored := *ev
	if stored.FirstSeenAt.IsZero() {
		stored.FirstSeenAt = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	key := s.eventKey(ev.Provider, ev.EventID)
	created, err := s.client.SetNX(ctx, key, data, s.config.EventTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	if created {
		return &stored, nil
	}
	return s.GetEvent(ctx, ev.Provider, ev.EventID)
}

// GetEvent implements billing.EventStore.
func (s *Storage) GetEvent(ctx context.Context, provider, eventID string) (*billing.PaymentEvent, error) {
	data, err := s.client.Get(ctx, s.eventKey(provider, eventID)).Bytes()
	if err == redis.Nil {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var ev billing.PaymentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// MarkSignatureVerified implements billing.EventStore.
func (s *Storage) MarkSignatureVerified(ctx context.Context, provider, eventID string) error {
	_, err := s.scripts["verify"].Run(ctx, s.client, []string{s.eventKey(provider, eventID)}).Result()
	if err != nil {
		if isScriptError(err, "event_not_found") {
			return billing.ErrEventNotFound
		}
		return fmt.Errorf("failed to execute verify script: %w", err)
	}
	return nil
}

// Claim implements billing.EventStore. The conditional check and the flag
// flip run inside one Lua script, so exactly one caller wins.
func (s *Storage) Claim(ctx context.Context, provider, eventID string) (bool, *billing.PaymentEvent, error) {
	result, err := s.scripts["claim"].Run(ctx, s.client, []string{s.eventKey(provider, eventID)}).Result()
	if err != nil {
		if isScriptError(err, "event_not_found") {
			return false, nil, billing.ErrEventNotFound
		}
		return false, nil, fmt.Errorf("failed to execute claim script: %w", err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return false, nil, fmt.Errorf("unexpected claim script result: %T", result)
	}
	won, ok := vals[0].(int64)
	if !ok {
		return false, nil, fmt.Errorf("unexpected claim flag: %T", vals[0])
	}
	raw, ok := vals[1].(string)
	if !ok {
		return false, nil, fmt.Errorf("unexpected claim payload: %T", vals[1])
	}

	var ev billing.PaymentEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return false, nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return won == 1, &ev, nil
}

// ReleaseClaim implements billing.EventStore.
func (s *Storage) ReleaseClaim(ctx context.Context, provider, eventID string) error {
	_, err := s.scripts["release"].Run(ctx, s.client, []string{s.eventKey(provider, eventID)}).Result()
	if err != nil {
		if isScriptError(err, "event_not_found") {
			return billing.ErrEventNotFound
		}
		return fmt.Errorf("failed to execute release script: %w", err)
	}
	return nil
}

// MarkProcessed implements billing.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, result *billing.Outcome) error {
	resultJSON := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal outcome: %w", err)
		}
		resultJSON = string(data)
	}

	_, err := s.scripts["processed"].Run(
		ctx,
		s.client,
		[]string{s.eventKey(provider, eventID)},
		time.Now().UTC().Format(time.RFC3339Nano),
		resultJSON,
	).Result()
	if err != nil {
		if isScriptError(err, "event_not_found") {
			return billing.ErrEventNotFound
		}
		return fmt.Errorf("failed to execute processed script: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) accountKey(userID string) string {
	return fmt.Sprintf("%saccount:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", s.config.KeyPrefix, provider, eventID)
}

func (s *Storage) planStatsKey(planID string) string {
	return fmt.Sprintf("%splanstats:%s", s.config.KeyPrefix, planID)
}

func isScriptError(err error, code string) bool {
	return err != nil && err.Error() == code
}

func int64Slice(result interface{}, want int) ([]int64, error) {
	vals, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", result)
	}
	if len(vals) != want {
		return nil, fmt.Errorf("expected %d values, got %d", want, len(vals))
	}
	out := make([]int64, want)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected value type %T at %d", v, i)
		}
		out[i] = n
	}
	return out, nil
}

func parseInt64(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(str, "%d", &n); err != nil {
		return 0
	}
	return n
}

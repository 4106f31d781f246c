// Package memory provides an in-memory implementation of the
// ledger.Store and billing.EventStore interfaces. This implementation is
// primarily intended for testing and development; all operations
// serialize on a single mutex, which makes every read-modify-write
// atomic by construction.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// Storage implements ledger.Store and billing.EventStore using in-memory maps.
type Storage struct {
	mu       sync.Mutex
	accounts map[string]*ledger.Account
	events   map[string]*billing.PaymentEvent
	stats    map[string]*ledger.PlanStats
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*ledger.Account),
		events:   make(map[string]*billing.PaymentEvent),
		stats:    make(map[string]*ledger.PlanStats),
	}
}

// CreateAccount implements ledger.Store.
func (s *Storage) CreateAccount(ctx context.Context, userID string, freeGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("invalid user ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		return copyAccount(acct), nil
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
			ID:        uuid.NewString(),
			Kind:      ledger.KindCredit,
			Amount:    freeGrant,
			Pool:      ledger.PoolFree,
			Reason:    "signup grant",
			Timestamp: now,
		}}
	}
	s.accounts[userID] = acct
	return copyAccount(acct), nil
}

// GetAccount implements ledger.Store.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// DebitTokens implements ledger.Store. The whole draw happens under the
// mutex, so concurrent debits never lose an update.
func (s *Storage) DebitTokens(ctx context.Context, req *ledger.DebitRequest) (*ledger.DebitResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}

	now := time.Now().UTC()
	res := &ledger.DebitResult{}
	remaining := req.Amount

	for _, pool := range req.Order {
		if remaining == 0 {
			break
		}
		available := poolBalance(acct, pool)
		drawn := remaining
		if drawn > available {
			drawn = available
		}
		if drawn == 0 {
			continue
		}

		setPoolBalance(acct, pool, available-drawn)
		remaining -= drawn
		res.Debited += drawn
		if pool == ledger.PoolFree {
			res.FreeDrawn += drawn
		} else {
			res.PaidDrawn += drawn
		}

		// The transaction is tagged with the pool actually drawn from,
		// not the tier the caller requested.
		prependTransaction(acct, ledger.Transaction{
			ID:        uuid.NewString(),
			Kind:      ledger.KindDebit,
			Amount:    drawn,
			Pool:      pool,
			Reason:    req.Reason,
			Timestamp: now,
		})
	}

	res.Shortfall = remaining
	acct.TotalUsed += res.Debited
	acct.Balance = acct.FreeTokens + acct.PaidTokens
	acct.UpdatedAt = now
	res.NewBalance = acct.Balance
	return res, nil
}

// CreditTokens implements ledger.Store.
func (s *Storage) CreditTokens(ctx context.Context, req *ledger.CreditRequest) (*ledger.CreditResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}

	if req.Source == ledger.SourcePayment && acct.HasPayment(req.PaymentID) {
		return nil, ledger.ErrDuplicatePayment
	}

	now := time.Now().UTC()
	setPoolBalance(acct, req.Pool, poolBalance(acct, req.Pool)+req.Amount)
	acct.Balance = acct.FreeTokens + acct.PaidTokens
	acct.UpdatedAt = now

	prependTransaction(acct, ledger.Transaction{
		ID:        uuid.NewString(),
		Kind:      ledger.KindCredit,
		Amount:    req.Amount,
		Pool:      req.Pool,
		Reason:    req.Reason,
		PaymentID: req.PaymentID,
		Timestamp: now,
	})

	res := &ledger.CreditResult{
		Credited:   req.Amount,
		NewBalance: acct.Balance,
		Pool:       req.Pool,
	}

	if req.Source == ledger.SourcePayment && req.Plan != nil {
		acct.PlanHistory = append(acct.PlanHistory, ledger.PlanPurchase{
			PlanID:        req.Plan.ID,
			GrantedTokens: req.Amount,
			AmountPaid:    req.AmountPaid,
			PaymentID:     req.PaymentID,
			PurchasedAt:   now,
			Status:        ledger.PurchaseCompleted,
		})

		// Upgrade only to a strictly higher tier, never downgrade.
		if acct.ActivePlanID == "" || req.Plan.Tier.Weight() > acct.ActivePlanTier.Weight() {
			acct.ActivePlanID = req.Plan.ID
			acct.ActivePlanTier = req.Plan.Tier
			res.PlanUpgraded = true
		}
	}

	return res, nil
}

// MarkPurchaseRefunded implements ledger.Store.
func (s *Storage) MarkPurchaseRefunded(ctx context.Context, userID, paymentID string) (*ledger.PlanPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	for i := range acct.PlanHistory {
		if acct.PlanHistory[i].PaymentID == paymentID {
			acct.PlanHistory[i].Status = ledger.PurchaseRefunded
			acct.UpdatedAt = time.Now().UTC()
			purchase := acct.PlanHistory[i]
			return &purchase, nil
		}
	}
	return nil, ledger.ErrPlanNotFound
}

// IncrementPlanStats implements ledger.Store.
func (s *Storage) IncrementPlanStats(ctx context.Context, planID string, revenue int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[planID]
	if !ok {
		st = &ledger.PlanStats{PlanID: planID}
		s.stats[planID] = st
	}
	st.Purchases++
	st.Revenue += revenue
	return nil
}

// GetPlanStats implements ledger.Store.
func (s *Storage) GetPlanStats(ctx context.Context, planID string) (*ledger.PlanStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[planID]
	if !ok {
		return &ledger.PlanStats{PlanID: planID}, nil
	}
	stCopy := *st
	return &stCopy, nil
}

// RecordSighting implements billing.EventStore with insert-if-absent
// semantics: a duplicate delivery never overwrites the existing record.
func (s *Storage) RecordSighting(ctx context.Context, ev *billing.PaymentEvent) (*billing.PaymentEvent, error) {
	if ev == nil || ev.Provider == "" || ev.EventID == "" {
		return nil, fmt.Errorf("invalid payment event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(ev.Provider, ev.EventID)
	if existing, ok := s.events[key]; ok {
		return copyEvent(existing), nil
	}

	stored := copyEvent(ev)
	if stored.FirstSeenAt.IsZero() {
		stored.FirstSeenAt = time.Now().UTC()
	}
	s.events[key] = stored
	return copyEvent(stored), nil
}

// GetEvent implements billing.EventStore.
func (s *Storage) GetEvent(ctx context.Context, provider, eventID string) (*billing.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return nil, billing.ErrEventNotFound
	}
	return copyEvent(ev), nil
}

// MarkSignatureVerified implements billing.EventStore.
func (s *Storage) MarkSignatureVerified(ctx context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return billing.ErrEventNotFound
	}
	ev.SignatureVerified = true
	return nil
}

// Claim implements billing.EventStore. The conditional check and the flag
// flip happen under the same mutex hold, so exactly one caller wins.
func (s *Storage) Claim(ctx context.Context, provider, eventID string) (bool, *billing.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return false, nil, billing.ErrEventNotFound
	}
	if ev.Processed || ev.Claimed {
		return false, copyEvent(ev), nil
	}
	ev.Claimed = true
	return true, copyEvent(ev), nil
}

// ReleaseClaim implements billing.EventStore.
func (s *Storage) ReleaseClaim(ctx context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return billing.ErrEventNotFound
	}
	if ev.Processed {
		// Processed is final; a late release must not reopen the event.
		return nil
	}
	ev.Claimed = false
	ev.Attempts++
	return nil
}

// MarkProcessed implements billing.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, result *billing.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return billing.ErrEventNotFound
	}
	now := time.Now().UTC()
	ev.Processed = true
	ev.Claimed = false
	ev.ProcessedAt = &now
	if result != nil {
		res := *result
		ev.Result = &res
	}
	return nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*ledger.Account)
	s.events = make(map[string]*billing.PaymentEvent)
	s.stats = make(map[string]*ledger.PlanStats)
}

func eventKey(provider, eventID string) string {
	return provider + ":" + eventID
}

func poolBalance(acct *ledger.Account, pool ledger.Pool) int64 {
	if pool == ledger.PoolFree {
		return acct.FreeTokens
	}
	return acct.PaidTokens
}

func setPoolBalance(acct *ledger.Account, pool ledger.Pool, v int64) {
	if pool == ledger.PoolFree {
		acct.FreeTokens = v
	} else {
		acct.PaidTokens = v
	}
}

// prependTransaction inserts newest-first and enforces the cap.
func prependTransaction(acct *ledger.Account, tx ledger.Transaction) {
	acct.Transactions = append([]ledger.Transaction{tx}, acct.Transactions...)
	if len(acct.Transactions) > ledger.MaxTransactions {
		acct.Transactions = acct.Transactions[:ledger.MaxTransactions]
	}
}

func copyAccount(acct *ledger.Account) *ledger.Account {
	acctCopy := *acct
	acctCopy.Transactions = append([]ledger.Transaction(nil), acct.Transactions...)
	acctCopy.PlanHistory = append([]ledger.PlanPurchase(nil), acct.PlanHistory...)
	return &acctCopy
}

func copyEvent(ev *billing.PaymentEvent) *billing.PaymentEvent {
	evCopy := *ev
	evCopy.Payload = append([]byte(nil), ev.Payload...)
	if ev.Result != nil {
		res := *ev.Result
		evCopy.Result = &res
	}
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		evCopy.ProcessedAt = &t
	}
	return &evCopy
}

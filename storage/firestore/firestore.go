// Package firestore provides a Firestore implementation of the
// ledger.Store and billing.EventStore interfaces. Every balance mutation
// and the event claim run inside RunTransaction, so concurrent callers
// are serialized by Firestore's optimistic concurrency.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// Storage implements ledger.Store and billing.EventStore using Google
// Cloud Firestore.
type Storage struct {
	client              *firestore.Client
	accountsCollection  string
	eventsCollection    string
	planStatsCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// AccountsCollection is the Firestore collection for token accounts.
	// Default: "ledger_accounts"
	AccountsCollection string

	// EventsCollection is the Firestore collection for payment events.
	// Default: "payment_events"
	EventsCollection string

	// PlanStatsCollection is the Firestore collection for plan statistics.
	// Default: "plan_stats"
	PlanStatsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "ledger_accounts"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "payment_events"
	}
	if config.PlanStatsCollection == "" {
		config.PlanStatsCollection = "plan_stats"
	}

	return &Storage{
		client:              client,
		accountsCollection:  config.AccountsCollection,
		eventsCollection:    config.EventsCollection,
		planStatsCollection: config.PlanStatsCollection,
	}, nil
}

// CreateAccount implements ledger.Store with insert-if-absent semantics.
func (s *Storage) CreateAccount(ctx context.Context, userID string, freeGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("invalid user ID")
	}

	doc := s.accountDoc(userID)
	var acct ledger.Account

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			return snap.DataTo(&acct)
		}

		now := time.Now().UTC()
		acct = ledger.Account{
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
		return tx.Create(doc, &acct)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &acct, nil
}

// GetAccount implements ledger.Store.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	snap, err := s.accountDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, ledger.ErrAccountNotFound
	}

	var acct ledger.Account
	if err := snap.DataTo(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &acct, nil
}

// DebitTokens implements ledger.Store. The draw happens inside a
// Firestore transaction; a concurrent writer forces a retry, never a
// lost update.
func (s *Storage) DebitTokens(ctx context.Context, req *ledger.DebitRequest) (*ledger.DebitResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	doc := s.accountDoc(req.UserID)
	var res ledger.DebitResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acct, err := s.getAccountTx(tx, doc)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res = ledger.DebitResult{}
		remaining := req.Amount

		for _, pool := range req.Order {
			if remaining == 0 {
				break
			}
			available := acct.FreeTokens
			if pool == ledger.PoolPaid {
				available = acct.PaidTokens
			}
			drawn := remaining
			if drawn > available {
				drawn = available
			}
			if drawn == 0 {
				continue
			}

			if pool == ledger.PoolFree {
				acct.FreeTokens -= drawn
				res.FreeDrawn += drawn
			} else {
				acct.PaidTokens -= drawn
				res.PaidDrawn += drawn
			}
			remaining -= drawn
			res.Debited += drawn

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
		return tx.Set(doc, acct)
	})
	if err != nil {
		if err == ledger.ErrAccountNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to debit tokens: %w", err)
	}
	return &res, nil
}

// CreditTokens implements ledger.Store.
func (s *Storage) CreditTokens(ctx context.Context, req *ledger.CreditRequest) (*ledger.CreditResult, error) {
	if req.Amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	doc := s.accountDoc(req.UserID)
	var res ledger.CreditResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acct, err := s.getAccountTx(tx, doc)
		if err != nil {
			return err
		}

		if req.Source == ledger.SourcePayment && acct.HasPayment(req.PaymentID) {
			return ledger.ErrDuplicatePayment
		}

		now := time.Now().UTC()
		if req.Pool == ledger.PoolFree {
			acct.FreeTokens += req.Amount
		} else {
			acct.PaidTokens += req.Amount
		}
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

		res = ledger.CreditResult{
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

		return tx.Set(doc, acct)
	})
	if err != nil {
		if err == ledger.ErrAccountNotFound || err == ledger.ErrDuplicatePayment {
			return nil, err
		}
		return nil, fmt.Errorf("failed to credit tokens: %w", err)
	}
	return &res, nil
}

// MarkPurchaseRefunded implements ledger.Store.
func (s *Storage) MarkPurchaseRefunded(ctx context.Context, userID, paymentID string) (*ledger.PlanPurchase, error) {
	doc := s.accountDoc(userID)
	var purchase ledger.PlanPurchase

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acct, err := s.getAccountTx(tx, doc)
		if err != nil {
			return err
		}

		for i := range acct.PlanHistory {
			if acct.PlanHistory[i].PaymentID == paymentID {
				acct.PlanHistory[i].Status = ledger.PurchaseRefunded
				acct.UpdatedAt = time.Now().UTC()
				purchase = acct.PlanHistory[i]
				return tx.Set(doc, acct)
			}
		}
		return ledger.ErrPlanNotFound
	})
	if err != nil {
		if err == ledger.ErrAccountNotFound || err == ledger.ErrPlanNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark purchase refunded: %w", err)
	}
	return &purchase, nil
}

// IncrementPlanStats implements ledger.Store using Firestore increments.
func (s *Storage) IncrementPlanStats(ctx context.Context, planID string, revenue int64) error {
	doc := s.client.Collection(s.planStatsCollection).Doc(planID)
	_, err := doc.Set(ctx, map[string]interface{}{
		"PlanID":    planID,
		"Purchases": firestore.Increment(1),
		"Revenue":   firestore.Increment(revenue),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to increment plan stats: %w", err)
	}
	return nil
}

// GetPlanStats implements ledger.Store.
func (s *Storage) GetPlanStats(ctx context.Context, planID string) (*ledger.PlanStats, error) {
	snap, err := s.client.Collection(s.planStatsCollection).Doc(planID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &ledger.PlanStats{PlanID: planID}, nil
		}
		return nil, fmt.Errorf("failed to get plan stats: %w", err)
	}
	if !snap.Exists() {
		return &ledger.PlanStats{PlanID: planID}, nil
	}

	var stats ledger.PlanStats
	if err := snap.DataTo(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode plan stats: %w", err)
	}
	stats.PlanID = planID
	return &stats, nil
}

// RecordSighting implements billing.EventStore with insert-if-absent
// semantics via a transactional create.
func (s *Storage) RecordSighting(ctx context.Context, ev *billing.PaymentEvent) (*billing.PaymentEvent, error) {
	if ev == nil || ev.Provider == "" || ev.EventID == "" {
		return nil, fmt.Errorf("invalid payment event")
	}

	doc := s.eventDoc(ev.Provider, ev.EventID)
	var stored billing.PaymentEvent

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			return snap.DataTo(&stored)
		}

		stored = *ev
		if stored.FirstSeenAt.IsZero() {
			stored.FirstSeenAt = time.Now().UTC()
		}
		return tx.Create(doc, &stored)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	return &stored, nil
}

// GetEvent implements billing.EventStore.
func (s *Storage) GetEvent(ctx context.Context, provider, eventID string) (*billing.PaymentEvent, error) {
	snap, err := s.eventDoc(provider, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrEventNotFound
	}

	var ev billing.PaymentEvent
	if err := snap.DataTo(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, nil
}

// MarkSignatureVerified implements billing.EventStore.
func (s *Storage) MarkSignatureVerified(ctx context.Context, provider, eventID string) error {
	_, err := s.eventDoc(provider, eventID).Update(ctx, []firestore.Update{
		{Path: "SignatureVerified", Value: true},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return billing.ErrEventNotFound
		}
		return fmt.Errorf("failed to mark signature verified: %w", err)
	}
	return nil
}

// Claim implements billing.EventStore. The check and the flag flip run in
// the same transaction, so exactly one caller wins.
func (s *Storage) Claim(ctx context.Context, provider, eventID string) (bool, *billing.PaymentEvent, error) {
	doc := s.eventDoc(provider, eventID)
	var won bool
	var ev billing.PaymentEvent

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrEventNotFound
			}
			return err
		}
		if err := snap.DataTo(&ev); err != nil {
			return err
		}

		if ev.Processed || ev.Claimed {
			won = false
			return nil
		}
		ev.Claimed = true
		won = true
		return tx.Set(doc, &ev)
	})
	if err != nil {
		if err == billing.ErrEventNotFound {
			return false, nil, err
		}
		return false, nil, fmt.Errorf("failed to claim event: %w", err)
	}
	return won, &ev, nil
}

// ReleaseClaim implements billing.EventStore. Processed is final; a late
// release must not reopen the event.
func (s *Storage) ReleaseClaim(ctx context.Context, provider, eventID string) error {
	doc := s.eventDoc(provider, eventID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrEventNotFound
			}
			return err
		}

		var ev billing.PaymentEvent
		if err := snap.DataTo(&ev); err != nil {
			return err
		}
		if ev.Processed {
			return nil
		}
		ev.Claimed = false
		ev.Attempts++
		return tx.Set(doc, &ev)
	})
	if err != nil {
		if err == billing.ErrEventNotFound {
			return err
		}
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// MarkProcessed implements billing.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string, result *billing.Outcome) error {
	doc := s.eventDoc(provider, eventID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrEventNotFound
			}
			return err
		}

		var ev billing.PaymentEvent
		if err := snap.DataTo(&ev); err != nil {
			return err
		}
		now := time.Now().UTC()
		ev.Processed = true
		ev.Claimed = false
		ev.ProcessedAt = &now
		if result != nil {
			res := *result
			ev.Result = &res
		}
		return tx.Set(doc, &ev)
	})
	if err != nil {
		if err == billing.ErrEventNotFound {
			return err
		}
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// Close closes the Firestore client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) accountDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(userID)
}

func (s *Storage) eventDoc(provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(provider + ":" + eventID)
}

func (s *Storage) getAccountTx(tx *firestore.Transaction, doc *firestore.DocumentRef) (*ledger.Account, error) {
	snap, err := tx.Get(doc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, ledger.ErrAccountNotFound
	}

	var acct ledger.Account
	if err := snap.DataTo(&acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// prependTransaction inserts newest-first and enforces the cap.
func prependTransaction(acct *ledger.Account, tx ledger.Transaction) {
	acct.Transactions = append([]ledger.Transaction{tx}, acct.Transactions...)
	if len(acct.Transactions) > ledger.MaxTransactions {
		acct.Transactions = acct.Transactions[:ledger.MaxTransactions]
	}
}

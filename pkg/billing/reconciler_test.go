package billing_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
	"github.com/mihaimyh/tokenledger/storage/memory"
)

// fakeGateway serves canned payment and order records and counts fetches.
type fakeGateway struct {
	payments map[string]*billing.Payment
	orders   map[string]*billing.Order

	paymentErr error
	orderErr   error

	paymentFetches atomic.Int64
}

func (g *fakeGateway) Name() string { return "razorpay" }

func (g *fakeGateway) FetchPayment(ctx context.Context, paymentID string) (*billing.Payment, error) {
	g.paymentFetches.Add(1)
	if g.paymentErr != nil {
		return nil, g.paymentErr
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, billing.ErrMetadataMissing
	}
	payment := *p
	return &payment, nil
}

func (g *fakeGateway) FetchOrder(ctx context.Context, orderID string) (*billing.Order, error) {
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	o, ok := g.orders[orderID]
	if !ok {
		return nil, billing.ErrMetadataMissing
	}
	order := *o
	return &order, nil
}

type fixture struct {
	reconciler *billing.Reconciler
	manager    *ledger.Manager
	store      *memory.Storage
	gateway    *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	manager, err := ledger.NewManager(store, ledger.Config{SignupGrant: 10})
	require.NoError(t, err)

	catalog := ledger.NewCatalog(
		ledger.Plan{ID: "pro", Price: 1999, TokenGrant: 500, Tier: ledger.TierPaid, Active: true},
		ledger.Plan{ID: "ultra", Price: 4999, TokenGrant: 2000, Tier: ledger.TierPremium, Active: true},
	)

	gateway := &fakeGateway{
		payments: map[string]*billing.Payment{
			"pay_123": {
				ID:      "pay_123",
				OrderID: "order_abc",
				Amount:  1999,
				Status:  billing.PaymentStatusCaptured,
			},
		},
		orders: map[string]*billing.Order{
			"order_abc": {
				ID:     "order_abc",
				Amount: 1999,
				Status: "paid",
				Notes: map[string]string{
					billing.NotePlanID: "pro",
					billing.NoteUserID: "user1",
				},
			},
		},
	}

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Ledger:  manager,
		Catalog: catalog,
		Events:  store,
		Gateway: gateway,
	})
	require.NoError(t, err)

	return &fixture{reconciler: reconciler, manager: manager, store: store, gateway: gateway}
}

func webhookNote() *billing.Notification {
	return &billing.Notification{
		Provider:          "razorpay",
		EventID:           "evt_1",
		EventType:         "payment.captured",
		PaymentID:         "pay_123",
		OrderID:           "order_abc",
		SignatureVerified: true,
		Payload:           []byte(`{"event":"payment.captured"}`),
		ReceivedAt:        time.Now().UTC(),
	}
}

func TestReconcile_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	outcome, err := f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)
	assert.Equal(t, billing.StateProcessed, outcome.State)
	assert.Equal(t, "pay:pay_123", outcome.EventID)
	assert.Equal(t, "user1", outcome.UserID)
	assert.Equal(t, "pro", outcome.PlanID)
	assert.Equal(t, int64(500), outcome.TokensCredited)
	assert.Equal(t, int64(510), outcome.NewBalance) // signup grant + plan grant

	acct, err := f.manager.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.PaidTokens)
	assert.True(t, acct.HasPayment("pay_123"))
	assert.Equal(t, "pro", acct.ActivePlanID)

	ev, err := f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.Result)
	assert.Equal(t, billing.StateProcessed, ev.Result.State)

	stats, err := f.manager.PlanStats(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Purchases)
	assert.Equal(t, int64(1999), stats.Revenue)
}

func TestReconcile_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)
	require.Equal(t, billing.StateProcessed, first.State)

	// The webhook redelivers; the fast path returns the recorded outcome.
	second, err := f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)
	assert.Equal(t, billing.StateAlreadyCredited, second.State)
	assert.Equal(t, int64(500), second.TokensCredited)

	acct, err := f.manager.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.PaidTokens)
	assert.Len(t, acct.PlanHistory, 1)

	// The settled event never goes back to the gateway.
	assert.Equal(t, int64(1), f.gateway.paymentFetches.Load())
}

func TestReconcile_CrossChannelCollapse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Webhook lands first.
	_, err := f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)

	// The client-verify channel reports the same payment with no provider
	// event ID; the payment ID keys both onto the same record.
	verify := &billing.Notification{
		Provider:          "razorpay",
		EventType:         "payment.verify",
		PaymentID:         "pay_123",
		OrderID:           "order_abc",
		ClaimedPlanID:     "pro",
		SignatureVerified: true,
		ReceivedAt:        time.Now().UTC(),
	}
	outcome, err := f.reconciler.Reconcile(ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, billing.StateAlreadyCredited, outcome.State)

	acct, err := f.manager.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.PaidTokens)
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var credited, alreadyCredited, inProgress atomic.Int64
	g := new(errgroup.Group)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			outcome, err := f.reconciler.Reconcile(ctx, webhookNote())
			switch {
			case err == nil && outcome.State == billing.StateProcessed:
				credited.Add(1)
			case err == nil && outcome.State == billing.StateAlreadyCredited:
				alreadyCredited.Add(1)
			case errors.Is(err, billing.ErrReconcileInProgress):
				inProgress.Add(1)
			case err != nil:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Exactly one delivery credits; everyone else is a no-op or told to
	// retry. The ledger never double-credits.
	assert.Equal(t, int64(1), credited.Load())
	assert.Equal(t, int64(10), credited.Load()+alreadyCredited.Load()+inProgress.Load())

	acct, err := f.manager.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.PaidTokens)
	assert.Len(t, acct.PlanHistory, 1)
}

func TestReconcile_BadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	note := webhookNote()
	note.SignatureVerified = false

	outcome, err := f.reconciler.Reconcile(ctx, note)
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	assert.Equal(t, billing.StateFailed, outcome.State)

	// The sighting is recorded for audit, nothing else moves.
	ev, err := f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
	require.NoError(t, err)
	assert.False(t, ev.SignatureVerified)
	assert.False(t, ev.Processed)

	_, err = f.manager.GetAccount(ctx, "user1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Equal(t, int64(0), f.gateway.paymentFetches.Load())

	t.Run("genuine delivery recovers after the forgery", func(t *testing.T) {
		outcome, err := f.reconciler.Reconcile(ctx, webhookNote())
		require.NoError(t, err)
		assert.Equal(t, billing.StateProcessed, outcome.State)
	})
}

func TestReconcile_PaymentNotCaptured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.payments["pay_123"].Status = "authorized"

	outcome, err := f.reconciler.Reconcile(ctx, webhookNote())
	assert.ErrorIs(t, err, billing.ErrPaymentNotCaptured)
	assert.Equal(t, billing.StateFailed, outcome.State)

	// Retryable: once the gateway reports captured, the same delivery
	// succeeds.
	f.gateway.payments["pay_123"].Status = billing.PaymentStatusCaptured
	outcome, err = f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)
	assert.Equal(t, billing.StateProcessed, outcome.State)
}

func TestReconcile_GatewayDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.paymentErr = billing.ErrGatewayUnavailable

	outcome, err := f.reconciler.Reconcile(ctx, webhookNote())
	assert.ErrorIs(t, err, billing.ErrGatewayUnavailable)
	assert.Equal(t, billing.StateFailed, outcome.State)

	ev, err := f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
	require.NoError(t, err)
	assert.False(t, ev.Processed)

	f.gateway.paymentErr = nil
	outcome, err = f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)
	assert.Equal(t, billing.StateProcessed, outcome.State)
}

func TestReconcile_MetadataMissing(t *testing.T) {
	ctx := context.Background()

	t.Run("order without notes", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.orders["order_abc"].Notes = nil

		_, err := f.reconciler.Reconcile(ctx, webhookNote())
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)

		// Each failed resolution counts as an attempt on the event.
		ev, err := f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
		require.NoError(t, err)
		assert.False(t, ev.Processed)
		assert.Equal(t, 1, ev.Attempts)

		_, err = f.reconciler.Reconcile(ctx, webhookNote())
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)

		ev, err = f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
		require.NoError(t, err)
		assert.Equal(t, 2, ev.Attempts)
	})

	t.Run("client claims a different plan", func(t *testing.T) {
		f := newFixture(t)

		note := webhookNote()
		note.ClaimedPlanID = "ultra"
		_, err := f.reconciler.Reconcile(ctx, note)
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)

		// Nothing was credited.
		_, err = f.manager.GetAccount(ctx, "user1")
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("order mismatch between notification and payment", func(t *testing.T) {
		f := newFixture(t)

		note := webhookNote()
		note.OrderID = "order_other"
		_, err := f.reconciler.Reconcile(ctx, note)
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)
	})

	t.Run("unknown plan", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.orders["order_abc"].Notes[billing.NotePlanID] = "retired"

		_, err := f.reconciler.Reconcile(ctx, webhookNote())
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)

		ev, err := f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
		require.NoError(t, err)
		assert.Equal(t, 1, ev.Attempts)
	})

	t.Run("no payment ID on either channel", func(t *testing.T) {
		f := newFixture(t)

		note := webhookNote()
		note.PaymentID = ""
		note.OrderID = ""
		_, err := f.reconciler.Reconcile(ctx, note)
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)
	})
}

func TestReconcile_SealsWhenHistoryAlreadyHasPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The payment was settled out of band (say, by a backfill) so the plan
	// history already carries it, but no event record exists yet.
	_, err := f.manager.EnsureAccount(ctx, "user1")
	require.NoError(t, err)
	plan := ledger.Plan{ID: "pro", Price: 1999, TokenGrant: 500, Tier: ledger.TierPaid}
	_, err = f.manager.Credit(ctx, "user1", 500, ledger.SourcePayment, ledger.WithPayment("pay_123", &plan))
	require.NoError(t, err)

	outcome, err := f.reconciler.Reconcile(ctx, webhookNote())
	require.NoError(t, err)
	assert.Equal(t, billing.StateAlreadyCredited, outcome.State)

	// The event was sealed so the next delivery takes the fast path.
	ev, err := f.store.GetEvent(ctx, "razorpay", "pay:pay_123")
	require.NoError(t, err)
	assert.True(t, ev.Processed)

	acct, err := f.manager.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, acct.PlanHistory, 1)
}

func TestNewReconciler_RequiresCollaborators(t *testing.T) {
	_, err := billing.NewReconciler(billing.ReconcilerConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestCanonicalEventID(t *testing.T) {
	tests := []struct {
		name string
		note billing.Notification
		want string
	}{
		{"payment ID wins", billing.Notification{PaymentID: "pay_1", OrderID: "order_1", EventID: "evt_1"}, "pay:pay_1"},
		{"order ID next", billing.Notification{OrderID: "order_1", EventID: "evt_1"}, "order:order_1"},
		{"event ID next", billing.Notification{EventID: "evt_1"}, "evt:evt_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.note.CanonicalEventID())
		})
	}

	t.Run("synthesized fallback", func(t *testing.T) {
		note := billing.Notification{EventType: "order.paid", ReceivedAt: time.Unix(0, 42)}
		assert.Equal(t, "raw:order.paid:42", note.CanonicalEventID())
	})
}

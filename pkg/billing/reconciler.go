// Package billing turns asynchronous payment-gateway notifications into
// exactly one ledger credit per payment.
//
// Notifications arrive at-least-once, possibly out of order, over two
// independent channels: the gateway webhook and the client-confirmed
// verify call. Both run the same Reconciler, and both resolve the same
// logical payment to the same canonical event identifier, so duplicate
// and racing deliveries collapse onto a single payment event record. The
// idempotency gate is an atomic claim on that record plus the account's
// plan history, not a lock; every failure before MarkProcessed leaves the
// event retryable.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

const defaultGatewayTimeout = 10 * time.Second

// Notification is one inbound payment signal, normalized by the entry
// point (webhook handler or verify endpoint) before reconciliation.
type Notification struct {
	// Provider is the gateway name.
	Provider string

	// EventID is the provider-supplied event identifier, if any.
	EventID string

	// EventType is the provider-specific event type (e.g. "payment.captured").
	EventType string

	// PaymentID and OrderID identify the payment; either may be absent
	// depending on the delivery channel.
	PaymentID string
	OrderID   string

	// ClaimedPlanID is the plan the client says it bought (verify channel
	// only). It is checked against the order's recorded plan and a
	// mismatch fails the attempt.
	ClaimedPlanID string

	// SignatureVerified is set by the entry point after recomputing the
	// HMAC over the raw payload. The reconciler records the sighting
	// before rejecting unverified notifications, so forged deliveries
	// still leave an audit trail.
	SignatureVerified bool

	// Payload is the raw notification body, retained for audit.
	Payload []byte

	// ReceivedAt is when the entry point accepted the notification.
	ReceivedAt time.Time
}

// CanonicalEventID resolves the identifier a notification is deduplicated
// under, in priority order: payment ID, order ID, provider event ID, and
// finally a synthesized type+timestamp key. Payment ID comes first because
// the same logical payment arrives tagged differently across the webhook
// and verify channels, and keying on it collapses both onto one record.
func (n *Notification) CanonicalEventID() string {
	switch {
	case n.PaymentID != "":
		return "pay:" + n.PaymentID
	case n.OrderID != "":
		return "order:" + n.OrderID
	case n.EventID != "":
		return "evt:" + n.EventID
	default:
		return fmt.Sprintf("raw:%s:%d", n.EventType, n.ReceivedAt.UnixNano())
	}
}

// Reconciler is the payment reconciliation state machine.
type Reconciler struct {
	ledger  *ledger.Manager
	catalog *ledger.Catalog
	events  EventStore
	gateway Gateway
	timeout time.Duration
	logger  ledger.Logger
	metrics Metrics
}

// NewReconciler creates a reconciler from the given configuration.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Ledger == nil || config.Catalog == nil || config.Events == nil || config.Gateway == nil {
		return nil, ErrProviderNotConfigured
	}

	timeout := config.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Reconciler{
		ledger:  config.Ledger,
		catalog: config.Catalog,
		events:  config.Events,
		gateway: config.Gateway,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Reconcile validates a payment notification, resolves it to a
// (plan, user) pair and drives at most one ledger credit for it.
//
// Errors other than ErrSignatureInvalid and ErrMetadataMissing are
// retryable: the event record stays unprocessed with its attempt counter
// bumped, and the next delivery re-enters the machine from the top.
// ErrAlreadyProcessed never escapes; a settled payment returns the
// recorded outcome with a nil error.
func (r *Reconciler) Reconcile(ctx context.Context, note *Notification) (*Outcome, error) {
	eventID := note.CanonicalEventID()

	// RECEIVED: record the sighting first so even rejected deliveries are
	// auditable. A duplicate delivery gets the existing record back.
	ev, err := r.events.RecordSighting(ctx, &PaymentEvent{
		Provider:          note.Provider,
		EventID:           eventID,
		EventType:         note.EventType,
		PaymentID:         note.PaymentID,
		OrderID:           note.OrderID,
		SignatureVerified: note.SignatureVerified,
		Payload:           note.Payload,
		FirstSeenAt:       note.ReceivedAt,
	})
	if err != nil {
		return r.failed(note, eventID, fmt.Errorf("failed to record sighting: %w", err))
	}

	// SIGNATURE_VERIFIED: nothing beyond the sighting is mutated for a
	// bad signature.
	if !note.SignatureVerified {
		r.metrics.RecordReconciliation(note.Provider, string(StateFailed))
		r.metrics.RecordWebhookError(note.Provider, "auth_failed")
		return &Outcome{State: StateFailed, EventID: eventID}, ErrSignatureInvalid
	}
	if !ev.SignatureVerified {
		if err := r.events.MarkSignatureVerified(ctx, note.Provider, eventID); err != nil {
			return r.failed(note, eventID, fmt.Errorf("failed to mark signature verified: %w", err))
		}
	}

	// Fast path: an earlier delivery already settled this payment.
	if ev.Processed {
		r.metrics.RecordReconciliation(note.Provider, string(StateAlreadyCredited))
		return r.alreadyCredited(ev, eventID), nil
	}

	// METADATA_RESOLVED: fetch the authoritative records from the gateway.
	payment, order, err := r.resolve(ctx, note)
	if err != nil {
		return r.failedRetryable(ctx, note, eventID, err)
	}

	planID := order.Notes[NotePlanID]
	userID := order.Notes[NoteUserID]
	if planID == "" || userID == "" {
		return r.failedRetryable(ctx, note, eventID, fmt.Errorf("%w: order %s has no plan/user notes", ErrMetadataMissing, order.ID))
	}
	if note.ClaimedPlanID != "" && note.ClaimedPlanID != planID {
		return r.failedRetryable(ctx, note, eventID, fmt.Errorf("%w: client plan %s does not match order plan %s",
			ErrMetadataMissing, note.ClaimedPlanID, planID))
	}

	plan, err := r.catalog.Plan(planID)
	if err != nil {
		return r.failedRetryable(ctx, note, eventID, fmt.Errorf("%w: unknown plan %s", ErrMetadataMissing, planID))
	}

	// Idempotency gate, part one: the account's plan history is the
	// canonical record of settled payments.
	acct, err := r.ledger.EnsureAccount(ctx, userID)
	if err != nil {
		return r.failedRetryable(ctx, note, eventID, err)
	}
	if acct.HasPayment(payment.ID) {
		outcome := r.alreadyCredited(ev, eventID)
		outcome.UserID = userID
		outcome.PlanID = planID
		// Seal the event so later deliveries take the fast path.
		if err := r.events.MarkProcessed(ctx, note.Provider, eventID, outcome); err != nil {
			r.logger.Warn("failed to seal already-credited event",
				ledger.Field{Key: "event_id", Value: eventID},
				ledger.Field{Key: "error", Value: err.Error()},
			)
		}
		r.metrics.RecordReconciliation(note.Provider, string(StateAlreadyCredited))
		return outcome, nil
	}

	// Idempotency gate, part two: atomically claim the event. Exactly one
	// of two racing attempts gets claimed=true; the loser sees either a
	// settled record or an in-flight one.
	claimed, ev, err := r.events.Claim(ctx, note.Provider, eventID)
	if err != nil {
		return r.failed(note, eventID, fmt.Errorf("failed to claim event: %w", err))
	}
	if !claimed {
		if ev != nil && ev.Processed {
			r.metrics.RecordReconciliation(note.Provider, string(StateAlreadyCredited))
			return r.alreadyCredited(ev, eventID), nil
		}
		return &Outcome{State: StateFailed, EventID: eventID}, ErrReconcileInProgress
	}

	// CREDITED: apply the grant to the paid pool.
	res, err := r.ledger.Credit(ctx, userID, plan.TokenGrant, ledger.SourcePayment,
		ledger.WithPayment(payment.ID, plan))
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicatePayment) {
			// Lost a race with a credit that predates our plan-history
			// read. Seal and report the no-op.
			outcome := &Outcome{
				State:     StateAlreadyCredited,
				EventID:   eventID,
				PaymentID: payment.ID,
				OrderID:   order.ID,
				UserID:    userID,
				PlanID:    planID,
			}
			if sealErr := r.events.MarkProcessed(ctx, note.Provider, eventID, outcome); sealErr != nil {
				r.logger.Warn("failed to seal duplicate-payment event",
					ledger.Field{Key: "event_id", Value: eventID},
					ledger.Field{Key: "error", Value: sealErr.Error()},
				)
			}
			r.metrics.RecordReconciliation(note.Provider, string(StateAlreadyCredited))
			return outcome, nil
		}
		return r.failedRetryable(ctx, note, eventID, fmt.Errorf("credit failed: %w", err))
	}

	// Purchase statistics are advisory; a failed bump never unwinds the
	// credit.
	if err := r.ledger.Store().IncrementPlanStats(ctx, planID, payment.Amount); err != nil {
		r.logger.Warn("failed to bump plan stats",
			ledger.Field{Key: "plan_id", Value: planID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}

	// PROCESSED: seal the event with the ledger outcome attached.
	outcome := &Outcome{
		State:          StateProcessed,
		EventID:        eventID,
		PaymentID:      payment.ID,
		OrderID:        order.ID,
		UserID:         userID,
		PlanID:         planID,
		TokensCredited: res.Credited,
		NewBalance:     res.NewBalance,
		AmountPaid:     payment.Amount,
	}
	if err := r.events.MarkProcessed(ctx, note.Provider, eventID, outcome); err != nil {
		// The credit is in; the plan-history gate will turn the retry
		// into an ALREADY_CREDITED no-op that seals the event then.
		return r.failedRetryable(ctx, note, eventID, fmt.Errorf("failed to mark processed: %w", err))
	}

	r.metrics.RecordReconciliation(note.Provider, string(StateProcessed))
	r.metrics.RecordCredit(note.Provider, planID, res.Credited)
	r.logger.Info("payment reconciled",
		ledger.Field{Key: "payment_id", Value: payment.ID},
		ledger.Field{Key: "user_id", Value: userID},
		ledger.Field{Key: "plan_id", Value: planID},
		ledger.Field{Key: "tokens", Value: res.Credited},
	)
	return outcome, nil
}

// resolve fetches the authoritative payment and order records. The
// payment must be captured; the order carries the (plan, user) notes.
func (r *Reconciler) resolve(ctx context.Context, note *Notification) (*Payment, *Order, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if note.PaymentID == "" {
		return nil, nil, fmt.Errorf("%w: notification has no payment ID", ErrMetadataMissing)
	}

	payment, err := r.gateway.FetchPayment(fetchCtx, note.PaymentID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payment fetch: %v", ErrGatewayUnavailable, err)
	}
	if !payment.Captured() {
		return nil, nil, fmt.Errorf("%w: payment %s status %q", ErrPaymentNotCaptured, payment.ID, payment.Status)
	}

	orderID := payment.OrderID
	if orderID == "" {
		orderID = note.OrderID
	}
	if orderID == "" {
		return nil, nil, fmt.Errorf("%w: payment %s has no order", ErrMetadataMissing, payment.ID)
	}
	if note.OrderID != "" && note.OrderID != orderID {
		return nil, nil, fmt.Errorf("%w: notification order %s does not match payment order %s",
			ErrMetadataMissing, note.OrderID, orderID)
	}

	order, err := r.gateway.FetchOrder(fetchCtx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: order fetch: %v", ErrGatewayUnavailable, err)
	}
	return payment, order, nil
}

// alreadyCredited builds the success no-op outcome for a settled event,
// preferring the recorded result.
func (r *Reconciler) alreadyCredited(ev *PaymentEvent, eventID string) *Outcome {
	if ev != nil && ev.Result != nil {
		result := *ev.Result
		result.State = StateAlreadyCredited
		return &result
	}
	return &Outcome{State: StateAlreadyCredited, EventID: eventID}
}

// failed reports a failure that happens before metadata resolution
// starts. The event record stays unprocessed for audit; the attempt
// counter is untouched because no reconciliation attempt got underway.
func (r *Reconciler) failed(note *Notification, eventID string, err error) (*Outcome, error) {
	r.metrics.RecordReconciliation(note.Provider, string(StateFailed))
	r.logger.Warn("reconciliation failed",
		ledger.Field{Key: "provider", Value: note.Provider},
		ledger.Field{Key: "event_id", Value: eventID},
		ledger.Field{Key: "error", Value: err.Error()},
	)
	return &Outcome{State: StateFailed, EventID: eventID}, err
}

// failedRetryable reports a failure from metadata resolution onward:
// the attempt counter is bumped and any claim released, so operators can
// spot events that keep failing and the next delivery re-enters cleanly.
func (r *Reconciler) failedRetryable(ctx context.Context, note *Notification, eventID string, err error) (*Outcome, error) {
	if relErr := r.events.ReleaseClaim(ctx, note.Provider, eventID); relErr != nil && !errors.Is(relErr, ErrEventNotFound) {
		r.logger.Warn("failed to record attempt",
			ledger.Field{Key: "event_id", Value: eventID},
			ledger.Field{Key: "error", Value: relErr.Error()},
		)
	}
	return r.failed(note, eventID, err)
}

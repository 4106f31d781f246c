package billing

import (
	"context"
	"time"
)

// State is a reconciliation state. Terminal states are StateProcessed,
// StateAlreadyCredited and StateFailed; a failed attempt is retryable on
// the next delivery.
type State string

const (
	// StateReceived means the notification was sighted and recorded.
	StateReceived State = "received"
	// StateSignatureVerified means the HMAC check passed.
	StateSignatureVerified State = "signature_verified"
	// StateMetadataResolved means the gateway record yielded a (plan, user) pair.
	StateMetadataResolved State = "metadata_resolved"
	// StateAlreadyCredited means an earlier delivery settled this payment;
	// the attempt is a success no-op.
	StateAlreadyCredited State = "already_credited"
	// StateCredited means the ledger credit was applied.
	StateCredited State = "credited"
	// StateProcessed means the event record carries the final result.
	StateProcessed State = "processed"
	// StateFailed means the attempt stopped before crediting.
	StateFailed State = "failed"
)

// PaymentEvent is the durable record of one inbound payment notification,
// keyed by (Provider, EventID). The key is the canonical event identifier
// resolved by the reconciler, so the webhook and the client-verify channel
// collapse onto the same record whenever they carry the same payment ID.
// Once Processed is true with a result attached it never reverts.
type PaymentEvent struct {
	Provider          string     `json:"provider"`
	EventID           string     `json:"event_id"`
	EventType         string     `json:"event_type,omitempty"`
	PaymentID         string     `json:"payment_id,omitempty"`
	OrderID           string     `json:"order_id,omitempty"`
	SignatureVerified bool       `json:"signature_verified"`
	Processed         bool       `json:"processed"`
	Claimed           bool       `json:"claimed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	Attempts          int        `json:"attempts"`
	Payload           []byte     `json:"payload,omitempty"`
	Result            *Outcome   `json:"result,omitempty"`
	FirstSeenAt       time.Time  `json:"first_seen_at"`
}

// Outcome is the result of a reconciliation attempt. Completed attempts
// persist it on the payment event as the audit record.
type Outcome struct {
	State          State  `json:"state"`
	EventID        string `json:"event_id"`
	PaymentID      string `json:"payment_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`
	TokensCredited int64  `json:"tokens_credited,omitempty"`
	NewBalance     int64  `json:"new_balance,omitempty"`
	AmountPaid     int64  `json:"amount_paid,omitempty"`
}

// EventStore defines the interface for payment event persistence. It
// exists purely for idempotency and audit; events are retained
// indefinitely.
//
// Claim must be implemented as an atomic conditional update so that
// exactly one of two racing reconciliation attempts wins; a read-then-
// write check has a time-of-check/time-of-use gap and is not acceptable.
type EventStore interface {
	// RecordSighting stores the event if no record exists for
	// (provider, eventID) and returns the stored record either way. A
	// duplicate delivery never overwrites an existing record.
	RecordSighting(ctx context.Context, ev *PaymentEvent) (*PaymentEvent, error)

	// GetEvent retrieves an event. Returns ErrEventNotFound when absent.
	GetEvent(ctx context.Context, provider, eventID string) (*PaymentEvent, error)

	// MarkSignatureVerified records that the event's signature checked out.
	MarkSignatureVerified(ctx context.Context, provider, eventID string) error

	// Claim atomically takes the processing claim for an unprocessed,
	// unclaimed event. Returns (true, event) for the single winner and
	// (false, event) for everyone else; losers inspect event.Processed to
	// distinguish settled from in-flight.
	Claim(ctx context.Context, provider, eventID string) (bool, *PaymentEvent, error)

	// ReleaseClaim gives the claim back after a failed attempt and
	// increments the attempt counter, so a retried delivery can re-enter.
	ReleaseClaim(ctx context.Context, provider, eventID string) error

	// MarkProcessed finalizes the event: processed=true, processedAt=now,
	// result attached, claim cleared.
	MarkProcessed(ctx context.Context, provider, eventID string, result *Outcome) error
}

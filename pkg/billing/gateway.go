package billing

import (
	"context"
	"time"
)

// Payment is the gateway's authoritative record of a payment. Amounts are
// in the currency's minor units.
type Payment struct {
	ID        string
	OrderID   string
	Amount    int64
	Currency  string
	Status    string
	Email     string
	Contact   string
	CreatedAt time.Time
}

// PaymentStatusCaptured is the gateway status of a settled payment. Only
// captured payments are credited.
const PaymentStatusCaptured = "captured"

// Captured reports whether the payment has settled.
func (p *Payment) Captured() bool {
	return p.Status == PaymentStatusCaptured
}

// Order is the gateway's record of a purchase order. Notes carry the
// metadata we attached at order creation; plan and user resolution reads
// from here rather than trusting anything client-supplied.
type Order struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
	Receipt  string
	Notes    map[string]string
}

// Note keys written at order creation and read back during reconciliation.
const (
	NotePlanID = "plan_id"
	NoteUserID = "user_id"
)

// Gateway fetches authoritative payment and order records from the
// payment provider. Client-supplied amounts and statuses are never
// trusted directly; the reconciler always re-fetches through this
// interface. Implementations should respect context deadlines.
type Gateway interface {
	// Name returns the gateway name (e.g. "razorpay").
	Name() string

	// FetchPayment retrieves a payment by ID.
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)

	// FetchOrder retrieves an order by ID.
	FetchOrder(ctx context.Context, orderID string) (*Order, error)
}

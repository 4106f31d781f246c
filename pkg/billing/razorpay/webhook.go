package razorpay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/billing/internal"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

const maxWebhookBody = 256 * 1024

// Webhook event types that drive a credit. Everything else, refunds
// included, is acknowledged and ignored.
const (
	eventPaymentCaptured = "payment.captured"
	eventOrderPaid       = "order.paid"
)

// webhookPayload mirrors the gateway's event envelope.
type webhookPayload struct {
	Entity    string `json:"entity"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// verifyRequest is the body of the client-confirmed verification call.
type verifyRequest struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Signature string `json:"razorpay_signature"`
	PlanID    string `json:"plan_id,omitempty"`
}

// handleWebhook processes a gateway webhook delivery. The body is read as
// raw bytes before any parsing because the signature covers the exact
// byte stream.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	signature := r.Header.Get("X-Razorpay-Signature")
	verified := VerifyWebhookSignature(body, signature, string(p.webhookSecret))

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	eventType := payload.Event
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Only settlement events drive credits; acknowledge the rest so the
	// gateway stops redelivering them.
	if verified && eventType != eventPaymentCaptured && eventType != eventOrderPaid {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ignored"))
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		return
	}

	note := &billing.Notification{
		Provider:          providerName,
		EventID:           r.Header.Get("X-Razorpay-Event-Id"),
		EventType:         eventType,
		PaymentID:         payload.Payload.Payment.Entity.ID,
		OrderID:           paymentOrderID(&payload),
		SignatureVerified: verified,
		Payload:           body,
		ReceivedAt:        startTime,
	}

	outcome, err := p.reconciler.Reconcile(r.Context(), note)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.writeReconcileError(w, eventType, err)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	_ = internal.WriteJSON(w, http.StatusOK, outcome)
}

// handleVerify processes the client-side payment confirmation callback.
// The signature here covers "orderID|paymentID" rather than a request
// body, but the reconciliation beyond that point is identical to the
// webhook path.
func (p *Provider) handleVerify(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}
	if req.PaymentID == "" || req.OrderID == "" {
		http.Error(w, "payment_id and order_id are required", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	verified := VerifyPaymentSignature(req.OrderID, req.PaymentID, req.Signature, p.keySecret)

	note := &billing.Notification{
		Provider:          providerName,
		EventType:         "payment.verify",
		PaymentID:         req.PaymentID,
		OrderID:           req.OrderID,
		ClaimedPlanID:     req.PlanID,
		SignatureVerified: verified,
		Payload:           body,
		ReceivedAt:        startTime,
	}

	outcome, err := p.reconciler.Reconcile(r.Context(), note)
	p.metrics.RecordWebhookProcessingDuration(providerName, "payment.verify", time.Since(startTime))
	if err != nil {
		p.writeReconcileError(w, "payment.verify", err)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, "payment.verify", "success")
	_ = internal.WriteJSON(w, http.StatusOK, outcome)
}

// writeReconcileError maps reconciliation errors to HTTP statuses. All
// 4xx/5xx responses are safe for the sender to retry.
func (p *Provider) writeReconcileError(w http.ResponseWriter, eventType string, err error) {
	switch {
	case errors.Is(err, billing.ErrSignatureInvalid):
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "invalid signature", http.StatusBadRequest)
	case errors.Is(err, billing.ErrMetadataMissing):
		p.metrics.RecordWebhookError(providerName, "metadata_missing")
		http.Error(w, "payment metadata missing or inconsistent", http.StatusBadRequest)
	default:
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.logger.Error("webhook processing failed",
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process payment", http.StatusInternalServerError)
	}
}

// paymentOrderID pulls the order ID out of whichever entity the event
// carries.
func paymentOrderID(payload *webhookPayload) string {
	if id := payload.Payload.Payment.Entity.OrderID; id != "" {
		return id
	}
	return payload.Payload.Order.Entity.ID
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

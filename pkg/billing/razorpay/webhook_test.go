package razorpay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tokenledger/pkg/billing"
	"github.com/mihaimyh/tokenledger/pkg/billing/razorpay"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
	"github.com/mihaimyh/tokenledger/storage/memory"
)

const (
	testWebhookSecret = "whsec_test"
	testKeyID         = "rzp_test_key"
	testKeySecret     = "key_secret_test"
)

type stack struct {
	provider *razorpay.Provider
	manager  *ledger.Manager
	store    *memory.Storage
	gateway  *httptest.Server
}

// newStack builds the full notification path against a stubbed gateway
// REST API: provider handlers -> reconciler -> gateway client -> httptest
// server.
func newStack(t *testing.T) *stack {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/payments/pay_123", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testKeyID || pass != testKeySecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id":"pay_123","order_id":"order_abc","amount":1999,"currency":"INR","status":"captured"}`)
	})
	mux.HandleFunc("/orders/order_abc", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"order_abc","amount":1999,"currency":"INR","status":"paid","notes":{"plan_id":"pro","user_id":"user1"}}`)
	})
	gateway := httptest.NewServer(mux)
	t.Cleanup(gateway.Close)

	store := memory.New()
	manager, err := ledger.NewManager(store, ledger.Config{})
	require.NoError(t, err)
	catalog := ledger.NewCatalog(
		ledger.Plan{ID: "pro", Price: 1999, TokenGrant: 500, Tier: ledger.TierPaid, Active: true},
	)

	client, err := razorpay.NewClient(billing.Config{KeyID: testKeyID, KeySecret: testKeySecret})
	require.NoError(t, err)
	client.BaseURL = gateway.URL

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Ledger:  manager,
		Catalog: catalog,
		Events:  store,
		Gateway: client,
	})
	require.NoError(t, err)

	provider, err := razorpay.NewProvider(billing.Config{
		Reconciler:    reconciler,
		WebhookSecret: testWebhookSecret,
		KeyID:         testKeyID,
		KeySecret:     testKeySecret,
	})
	require.NoError(t, err)

	return &stack{provider: provider, manager: manager, store: store, gateway: gateway}
}

func capturedEventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"entity":     "event",
		"event":      "payment.captured",
		"created_at": 1700000000,
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":       "pay_123",
					"order_id": "order_abc",
					"amount":   1999,
					"status":   "captured",
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func postWebhook(t *testing.T, s *stack, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Razorpay-Event-Id", "evt_1")
	if signature != "" {
		req.Header.Set("X-Razorpay-Signature", signature)
	}
	rec := httptest.NewRecorder()
	s.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_PaymentCaptured(t *testing.T) {
	s := newStack(t)
	body := capturedEventBody(t)

	rec := postWebhook(t, s, body, sign(testWebhookSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome billing.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, billing.StateProcessed, outcome.State)
	assert.Equal(t, int64(500), outcome.TokensCredited)

	acct, err := s.manager.GetAccount(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.PaidTokens)
	assert.True(t, acct.HasPayment("pay_123"))
}

func TestWebhook_Redelivery(t *testing.T) {
	s := newStack(t)
	body := capturedEventBody(t)
	signature := sign(testWebhookSecret, body)

	rec := postWebhook(t, s, body, signature)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postWebhook(t, s, body, signature)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome billing.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, billing.StateAlreadyCredited, outcome.State)

	acct, err := s.manager.GetAccount(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Len(t, acct.PlanHistory, 1)
}

func TestWebhook_BadSignature(t *testing.T) {
	s := newStack(t)
	body := capturedEventBody(t)

	t.Run("forged", func(t *testing.T) {
		rec := postWebhook(t, s, body, sign("wrong_secret", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := postWebhook(t, s, body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// Neither attempt touched the ledger.
	_, err := s.manager.GetAccount(context.Background(), "user1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestWebhook_IgnoredEventTypes(t *testing.T) {
	s := newStack(t)

	body, err := json.Marshal(map[string]interface{}{
		"entity": "event",
		"event":  "refund.processed",
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{"id": "pay_123"},
			},
		},
	})
	require.NoError(t, err)

	rec := postWebhook(t, s, body, sign(testWebhookSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", rec.Body.String())

	_, err = s.manager.GetAccount(context.Background(), "user1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestWebhook_RequestValidation(t *testing.T) {
	s := newStack(t)

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/razorpay", nil)
		rec := httptest.NewRecorder()
		s.provider.WebhookHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		body := []byte(`{not json`)
		rec := postWebhook(t, s, body, sign(testWebhookSecret, body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerifyEndpoint(t *testing.T) {
	postVerify := func(t *testing.T, s *stack, body []byte) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/payments/verify", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.provider.VerifyHandler().ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid signature credits", func(t *testing.T) {
		s := newStack(t)

		body, err := json.Marshal(map[string]string{
			"razorpay_payment_id": "pay_123",
			"razorpay_order_id":   "order_abc",
			"razorpay_signature":  sign(testKeySecret, []byte("order_abc|pay_123")),
			"plan_id":             "pro",
		})
		require.NoError(t, err)

		rec := postVerify(t, s, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var outcome billing.Outcome
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
		assert.Equal(t, billing.StateProcessed, outcome.State)
	})

	t.Run("webhook then verify collapse onto one credit", func(t *testing.T) {
		s := newStack(t)

		webhookBody := capturedEventBody(t)
		rec := postWebhook(t, s, webhookBody, sign(testWebhookSecret, webhookBody))
		require.Equal(t, http.StatusOK, rec.Code)

		body, err := json.Marshal(map[string]string{
			"razorpay_payment_id": "pay_123",
			"razorpay_order_id":   "order_abc",
			"razorpay_signature":  sign(testKeySecret, []byte("order_abc|pay_123")),
		})
		require.NoError(t, err)

		rec = postVerify(t, s, body)
		require.Equal(t, http.StatusOK, rec.Code)

		var outcome billing.Outcome
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
		assert.Equal(t, billing.StateAlreadyCredited, outcome.State)

		acct, err := s.manager.GetAccount(context.Background(), "user1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), acct.Balance)
	})

	t.Run("bad signature", func(t *testing.T) {
		s := newStack(t)

		body, err := json.Marshal(map[string]string{
			"razorpay_payment_id": "pay_123",
			"razorpay_order_id":   "order_abc",
			"razorpay_signature":  "forged",
		})
		require.NoError(t, err)

		rec := postVerify(t, s, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing IDs", func(t *testing.T) {
		s := newStack(t)

		body, err := json.Marshal(map[string]string{"razorpay_payment_id": "pay_123"})
		require.NoError(t, err)

		rec := postVerify(t, s, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("claimed plan mismatch", func(t *testing.T) {
		s := newStack(t)

		body, err := json.Marshal(map[string]string{
			"razorpay_payment_id": "pay_123",
			"razorpay_order_id":   "order_abc",
			"razorpay_signature":  sign(testKeySecret, []byte("order_abc|pay_123")),
			"plan_id":             "ultra",
		})
		require.NoError(t, err)

		rec := postVerify(t, s, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestClient_FetchPayment(t *testing.T) {
	s := newStack(t)

	client, err := razorpay.NewClient(billing.Config{KeyID: testKeyID, KeySecret: testKeySecret})
	require.NoError(t, err)
	client.BaseURL = s.gateway.URL

	t.Run("found", func(t *testing.T) {
		payment, err := client.FetchPayment(context.Background(), "pay_123")
		require.NoError(t, err)
		assert.Equal(t, "pay_123", payment.ID)
		assert.Equal(t, "order_abc", payment.OrderID)
		assert.True(t, payment.Captured())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.FetchPayment(context.Background(), "pay_ghost")
		assert.ErrorIs(t, err, billing.ErrMetadataMissing)
	})

	t.Run("order notes round-trip", func(t *testing.T) {
		order, err := client.FetchOrder(context.Background(), "order_abc")
		require.NoError(t, err)
		assert.Equal(t, "pro", order.Notes[billing.NotePlanID])
		assert.Equal(t, "user1", order.Notes[billing.NoteUserID])
	})
}

func TestNewProvider_RequiresReconciler(t *testing.T) {
	_, err := razorpay.NewProvider(billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

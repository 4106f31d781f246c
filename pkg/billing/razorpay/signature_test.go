package razorpay_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/tokenledger/pkg/billing/razorpay"
)

func sign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"payment.captured","payload":{}}`)

	t.Run("valid", func(t *testing.T) {
		assert.True(t, razorpay.VerifyWebhookSignature(body, sign(secret, body), secret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, razorpay.VerifyWebhookSignature(body, sign("other", body), secret))
	})

	t.Run("single bit flip in body", func(t *testing.T) {
		signature := sign(secret, body)
		tampered := append([]byte(nil), body...)
		tampered[0] ^= 0x01
		assert.False(t, razorpay.VerifyWebhookSignature(tampered, signature, secret))
	})

	t.Run("empty signature", func(t *testing.T) {
		assert.False(t, razorpay.VerifyWebhookSignature(body, "", secret))
	})

	t.Run("empty secret", func(t *testing.T) {
		assert.False(t, razorpay.VerifyWebhookSignature(body, sign(secret, body), ""))
	})
}

func TestVerifyPaymentSignature(t *testing.T) {
	secret := "key_secret_test"

	t.Run("valid", func(t *testing.T) {
		signature := sign(secret, []byte("order_abc|pay_123"))
		assert.True(t, razorpay.VerifyPaymentSignature("order_abc", "pay_123", signature, secret))
	})

	t.Run("swapped IDs", func(t *testing.T) {
		signature := sign(secret, []byte("order_abc|pay_123"))
		assert.False(t, razorpay.VerifyPaymentSignature("pay_123", "order_abc", signature, secret))
	})

	t.Run("different payment", func(t *testing.T) {
		signature := sign(secret, []byte("order_abc|pay_123"))
		assert.False(t, razorpay.VerifyPaymentSignature("order_abc", "pay_999", signature, secret))
	})
}

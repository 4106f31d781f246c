package razorpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifyWebhookSignature recomputes the HMAC-SHA256 of the raw, unparsed
// webhook body and compares it to the header-supplied hex signature. The
// body must be the exact byte stream the gateway sent; re-encoding it
// first would change the digest.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyPaymentSignature checks the client-confirmed checkout signature,
// computed by the gateway as HMAC-SHA256 over "orderID|paymentID" with
// the key secret.
func VerifyPaymentSignature(orderID, paymentID, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

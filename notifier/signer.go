package notifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Webhook request headers
const (
	SignatureHeader = "X-Subwatch-Signature"
	EventHeader     = "X-Subwatch-Event"
	DeliveryHeader  = "X-Subwatch-Delivery"
)

const signaturePrefix = "sha256="

// Sign computes the webhook signature header value for a payload. The
// signature always covers the uncompressed JSON body.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the payload.
// Comparison is constant-time.
func VerifySignature(secret, payload []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(header))
}

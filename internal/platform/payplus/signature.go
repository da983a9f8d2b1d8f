package payplus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// expectedUserAgent is sent by the provider on every webhook delivery.
const expectedUserAgent = "PayPlus"

// VerifySignature checks the HMAC-SHA256 signature the provider attaches to
// webhook deliveries (base64 of HMAC over the raw body, keyed with the
// terminal secret). The comparison is constant-time.
func VerifySignature(secretKey string, body []byte, receivedHash, userAgent string) bool {
	if receivedHash == "" || userAgent != expectedUserAgent {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(receivedHash))
}

// SignBody computes the signature the provider would attach to body. Used by
// tests and the local webhook replay tooling.
func SignBody(secretKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Scheme prefix carried in the signature header, e.g. sha256=<hex>.
const Scheme = "sha256"

// Sign computes the HMAC-SHA256 signature over the exact body bytes that
// go on the wire, plus the timestamp string, keyed with the subscription
// secret. Signing must never re-serialize the payload: a receiver
// verifies against the raw bytes it received.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return Scheme + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the received raw body and compares
// in constant time. The header value may or may not carry the scheme
// prefix.
func Verify(secret string, body []byte, timestamp, signature string) bool {
	got := strings.TrimPrefix(signature, Scheme+"=")
	want := strings.TrimPrefix(Sign(secret, body, timestamp), Scheme+"=")
	return hmac.Equal([]byte(got), []byte(want))
}

// Package webhooks builds signed webhook payloads, performs the HTTP
// delivery, and fans domain events out to subscribed endpoints.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signature headers carried on every outbound delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
)

// Sign computes the hex HMAC-SHA256 of timestamp + "." + payload under
// the subscription's shared secret. The timestamp is a millisecond epoch.
func Sign(secret string, timestampMs int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares in constant time.
// A naive string equality here is a timing side channel.
func Verify(secret string, timestampMs int64, payload []byte, signature string) bool {
	expected := Sign(secret, timestampMs, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Package webhook delivers signed job event notifications with retries
// and dead-lettering.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signature headers. Receivers verify the HMAC over
// "<timestamp>.<payload>" and reject stale timestamps, so both values
// must come from the same attempt.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
)

// Sign computes the hex HMAC-SHA256 of "<unix>.<payload>" with the
// job's secret, prefixed with the scheme tag.
func Sign(secret string, unix int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Meant
// for receivers and tests.
func Verify(secret string, unix int64, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, unix, payload)), []byte(signature))
}

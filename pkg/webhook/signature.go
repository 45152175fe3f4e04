package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
func Sign(payload []byte, secret string, timestamp time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign and rejects timestamps
// older than tolerance. Receivers use it; the dispatcher tests use it too.
func VerifySignature(payload []byte, signature, secret, timestampHeader string, tolerance time.Duration, now time.Time) error {
	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header: %w", err)
	}
	ts := time.Unix(unix, 0)
	if tolerance > 0 && now.Sub(ts) > tolerance {
		return fmt.Errorf("signature timestamp too old")
	}

	expected := Sign(payload, secret, ts)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

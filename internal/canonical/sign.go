package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Webhook header names, shared with the receiving SDKs.
const (
	HeaderSignature   = "X-UseSend-Signature"
	HeaderTimestamp   = "X-UseSend-Timestamp"
	HeaderEvent       = "X-UseSend-Event"
	HeaderCall        = "X-UseSend-Call"
	HeaderIdempotency = "X-UseSend-Idempotency"
)

// SignaturePrefix versions the signature scheme.
const SignaturePrefix = "v1="

// Sign computes the webhook signature: v1= followed by the hex HMAC-SHA256
// of "<timestampMillis>.<body>" under the subscription secret. Binding the
// timestamp into the MAC lets receivers bound replay windows (the SDKs
// default to a 5-minute tolerance).
func Sign(secret []byte, timestampMillis int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", timestampMillis)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time. Used by the test
// suite and by the synthetic webhook.test receiver path.
func VerifySignature(secret []byte, timestampMillis int64, body []byte, signature string) bool {
	expected := Sign(secret, timestampMillis, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

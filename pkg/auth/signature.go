// Package auth provides request authentication for the agent gateway.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Headers carried on every signed agent request
const (
	HeaderToken     = "X-Agent-Token"
	HeaderSignature = "X-Hmac-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// DefaultFreshnessWindow bounds acceptable clock skew and replay lifetime
const DefaultFreshnessWindow = 5 * time.Minute

// CanonicalMessage builds the byte sequence both signer and verifier MUST
// reproduce exactly: METHOD|URI|timestampMillis|nonce, with |compactJSON(body)
// appended only when a body is present.
func CanonicalMessage(method, uri string, timestampMillis int64, nonce string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('|')
	buf.WriteString(uri)
	buf.WriteByte('|')
	buf.WriteString(strconv.FormatInt(timestampMillis, 10))
	buf.WriteByte('|')
	buf.WriteString(nonce)

	if len(bytes.TrimSpace(body)) > 0 {
		buf.WriteByte('|')
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err == nil {
			buf.Write(compact.Bytes())
		} else {
			// non-JSON bodies are signed as-is on both sides
			buf.Write(body)
		}
	}

	return buf.Bytes()
}

// Sign computes Base64(HMAC-SHA256(secret, message))
func Sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares it in
// constant time. Malformed encodings simply fail verification.
func VerifySignature(secret, message []byte, signature string) bool {
	supplied, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), supplied)
}

// Fresh reports whether a client timestamp falls inside the freshness window,
// in either direction.
func Fresh(timestampMillis, nowMillis int64, window time.Duration) bool {
	diff := nowMillis - timestampMillis
	if diff < 0 {
		diff = -diff
	}
	return diff <= window.Milliseconds()
}

// NewNonce returns a per-request random nonce (122 bits of entropy)
func NewNonce() string {
	return uuid.NewString()
}

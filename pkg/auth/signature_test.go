package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalMessageShape(t *testing.T) {
	msg := CanonicalMessage("POST", "/api/v1/agent/heartbeat", 1700000000000, "nonce-1", nil)
	require.Equal(t, "POST|/api/v1/agent/heartbeat|1700000000000|nonce-1", string(msg))

	withBody := CanonicalMessage("POST", "/api/v1/agent/heartbeat", 1700000000000, "nonce-1", []byte(`{"a":1}`))
	require.Equal(t, `POST|/api/v1/agent/heartbeat|1700000000000|nonce-1|{"a":1}`, string(withBody))
}

func TestCanonicalMessageCompactsBody(t *testing.T) {
	pretty := []byte("{\n  \"a\": 1,\n  \"b\": \"x\"\n}")
	compact := []byte(`{"a":1,"b":"x"}`)

	prettyMsg := CanonicalMessage("POST", "/x", 1, "n", pretty)
	compactMsg := CanonicalMessage("POST", "/x", 1, "n", compact)
	require.Equal(t, string(compactMsg), string(prettyMsg))
}

func TestCanonicalMessageEmptyBodyVariants(t *testing.T) {
	bare := CanonicalMessage("GET", "/x", 1, "n", nil)
	empty := CanonicalMessage("GET", "/x", 1, "n", []byte{})
	whitespace := CanonicalMessage("GET", "/x", 1, "n", []byte("  \n"))

	require.Equal(t, string(bare), string(empty))
	require.Equal(t, string(bare), string(whitespace))
}

func TestSignDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	msg := CanonicalMessage("POST", "/api/v1/agent/reports", 1700000000000, "nonce-7", []byte(`{"job_id":"job_1"}`))

	first := Sign(secret, msg)
	second := Sign(secret, msg)
	require.Equal(t, first, second)
	require.True(t, VerifySignature(secret, msg, first))
}

func TestSignatureChangesWithEveryInput(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	base := Sign(secret, CanonicalMessage("POST", "/uri", 1700000000000, "nonce", []byte(`{"k":"v"}`)))

	variants := []struct {
		name string
		sig  string
	}{
		{"method", Sign(secret, CanonicalMessage("GET", "/uri", 1700000000000, "nonce", []byte(`{"k":"v"}`)))},
		{"uri", Sign(secret, CanonicalMessage("POST", "/uri2", 1700000000000, "nonce", []byte(`{"k":"v"}`)))},
		{"timestamp", Sign(secret, CanonicalMessage("POST", "/uri", 1700000000001, "nonce", []byte(`{"k":"v"}`)))},
		{"nonce", Sign(secret, CanonicalMessage("POST", "/uri", 1700000000000, "nonce2", []byte(`{"k":"v"}`)))},
		{"body", Sign(secret, CanonicalMessage("POST", "/uri", 1700000000000, "nonce", []byte(`{"k":"w"}`)))},
		{"secret", Sign([]byte("another-secret"), CanonicalMessage("POST", "/uri", 1700000000000, "nonce", []byte(`{"k":"v"}`)))},
	}

	for _, v := range variants {
		require.NotEqual(t, base, v.sig, "changing %s must change the signature", v.name)
	}
}

func TestVerifySignatureRejectsGarbage(t *testing.T) {
	secret := []byte("secret")
	msg := CanonicalMessage("GET", "/x", 1, "n", nil)

	require.False(t, VerifySignature(secret, msg, "not base64 !!!"))
	require.False(t, VerifySignature(secret, msg, ""))
	require.False(t, VerifySignature(secret, msg, Sign([]byte("other"), msg)))
}

func TestFreshWindowBoundaries(t *testing.T) {
	window := 5 * time.Minute
	now := int64(1700000000000)

	require.True(t, Fresh(now, now, window))
	require.True(t, Fresh(now-window.Milliseconds(), now, window))
	require.True(t, Fresh(now+window.Milliseconds(), now, window))
	require.False(t, Fresh(now-window.Milliseconds()-1, now, window))
	require.False(t, Fresh(now+window.Milliseconds()+1, now, window))
}

func TestNewNonceUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := NewNonce()
		require.NotEmpty(t, n)
		require.False(t, seen[n])
		seen[n] = true
	}
}

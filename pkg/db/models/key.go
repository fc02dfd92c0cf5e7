// Package models contains database models for the agent gateway.
package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateKey generates a URL-safe random key of the given byte length
func GenerateKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashKey creates a SHA-256 hash of a key for storage and lookup
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GenerateBearerToken generates an agent bearer token (256 bits of entropy)
func GenerateBearerToken() (token string, hash string, err error) {
	token, err = GenerateKey(32)
	if err != nil {
		return "", "", err
	}
	return token, HashKey(token), nil
}

// GenerateHmacSecret generates a 32-byte HMAC secret, hex-encoded. The hex
// string itself is the signing key on both sides: the server and the
// installer scripts feed it to HMAC as-is.
func GenerateHmacSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// enrollment keys are typed by hand, so avoid ambiguous characters
const enrollmentKeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateEnrollmentKey generates an operator-facing enrollment key in the
// form XXXX-XXXX-XXXX-XXXX
func GenerateEnrollmentKey() (key string, hash string, err error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}

	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(enrollmentKeyAlphabet[int(c)%len(enrollmentKeyAlphabet)])
	}

	key = b.String()
	return key, HashKey(key), nil
}

// GenerateCapabilityKey generates an enrollment capability key
func GenerateCapabilityKey() (key string, hash string, err error) {
	key, err = GenerateKey(24)
	if err != nil {
		return "", "", err
	}
	return key, HashKey(key), nil
}

// NewID generates a random identifier for entity primary keys
func NewID(prefix string) (string, error) {
	suffix, err := GenerateKey(12)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s", prefix, suffix), nil
}

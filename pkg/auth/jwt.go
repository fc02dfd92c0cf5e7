// Package auth provides request authentication for the agent gateway.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT claims for operator tokens
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Type     string   `json:"type"` // "user" or "api"
}

// JWTManager manages operator token operations. Agents never use JWTs; they
// authenticate with per-request HMAC signatures.
type JWTManager struct {
	secret        []byte
	issuer        string
	defaultExpiry time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret, issuer string, defaultExpiry time.Duration) *JWTManager {
	if defaultExpiry == 0 {
		defaultExpiry = 24 * time.Hour
	}
	return &JWTManager{
		secret:        []byte(secret),
		issuer:        issuer,
		defaultExpiry: defaultExpiry,
	}
}

// GenerateOperatorToken generates a JWT token for an operator user
func (m *JWTManager) GenerateOperatorToken(tenantID, userID string, scopes []string, expiry time.Duration) (string, error) {
	if expiry == 0 {
		expiry = m.defaultExpiry
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		TenantID: tenantID,
		UserID:   userID,
		Scopes:   scopes,
		Type:     "user",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a JWT token and returns its claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// Package auth provides request authentication for the agent gateway.
package auth

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/db/models"
	"github.com/yourorg/agent-gateway/pkg/metrics"
)

// Context keys set by the middleware for downstream handlers
const (
	ContextKeyTenantID  = "tenant_id"
	ContextKeyAgentID   = "agent_id"
	ContextKeyAgentName = "agent_name"
	ContextKeyClaims    = "claims"
	ContextKeyUserID    = "user_id"
)

// Authenticator verifies signed agent requests
type Authenticator struct {
	db     *gorm.DB
	nonces *NonceStore
	audit  *audit.Logger
	logger *zap.Logger
	window time.Duration
}

// NewAuthenticator creates an authenticator with the given freshness window
func NewAuthenticator(db *gorm.DB, nonces *NonceStore, auditLogger *audit.Logger, logger *zap.Logger, window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Authenticator{
		db:     db,
		nonces: nonces,
		audit:  auditLogger,
		logger: logger,
		window: window,
	}
}

// Middleware returns the gin middleware gating every agent-facing endpoint.
// Every failure is a bare 401: callers learn nothing about which check
// tripped, while the real reason is logged and audited.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderToken)
		signature := c.GetHeader(HeaderSignature)
		timestamp := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)

		if token == "" || signature == "" || timestamp == "" || nonce == "" {
			a.reject(c, "", "missing_headers")
			return
		}

		timestampMillis, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			a.reject(c, "", "malformed_timestamp")
			return
		}

		tokenHash := models.HashKey(token)
		now := time.Now()

		var credential models.AgentCredential
		if err := a.db.Preload("Agent").Where("token_hash = ?", tokenHash).First(&credential).Error; err != nil {
			a.reject(c, "", "unknown_token")
			return
		}
		if !credential.Usable(now) {
			a.reject(c, credential.TenantID, "credential_inactive")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			a.reject(c, credential.TenantID, "unreadable_body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		message := CanonicalMessage(
			c.Request.Method,
			c.Request.URL.RequestURI(),
			timestampMillis,
			nonce,
			body,
		)

		if !VerifySignature([]byte(credential.Secret), message, signature) {
			a.reject(c, credential.TenantID, "bad_signature")
			return
		}

		if !Fresh(timestampMillis, now.UnixMilli(), a.window) {
			a.reject(c, credential.TenantID, "stale_timestamp")
			return
		}

		if err := a.nonces.CheckAndStore(tokenHash, nonce, now); err != nil {
			if err == ErrNonceReplay {
				a.reject(c, credential.TenantID, "nonce_replay")
			} else {
				a.logger.Error("nonce store failure", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}

		a.db.Model(&models.AgentCredential{}).
			Where("id = ?", credential.ID).
			Update("last_used_at", now)

		c.Set(ContextKeyTenantID, credential.TenantID)
		c.Set(ContextKeyAgentID, credential.AgentID)
		c.Set(ContextKeyAgentName, credential.Agent.Name)

		c.Next()
	}
}

// reject aborts with an undifferentiated 401 and records the actual reason
// out of band.
func (a *Authenticator) reject(c *gin.Context, tenantID, reason string) {
	a.logger.Warn("agent authentication failed",
		zap.String("reason", reason),
		zap.String("path", c.Request.URL.Path),
		zap.String("client_ip", c.ClientIP()))

	metrics.AuthFailures.WithLabelValues(reason).Inc()

	a.audit.Record(audit.Entry{
		TenantID:  tenantID,
		EventType: audit.EventAuthFailure,
		Severity:  audit.SeverityWarning,
		Details: map[string]interface{}{
			"reason":    reason,
			"path":      c.Request.URL.Path,
			"client_ip": c.ClientIP(),
		},
	})

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// RateLimit returns middleware applying the limiter to an endpoint. The
// identifier is the token prefix when present, otherwise the client IP, so
// counting happens independent of authentication outcome.
func RateLimit(limiter *RateLimiter, auditLogger *audit.Logger, logger *zap.Logger, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.ClientIP()
		if token := c.GetHeader(HeaderToken); len(token) >= 8 {
			identifier = "tok:" + token[:8]
		}

		allowed, err := limiter.Allow(identifier, endpoint, time.Now())
		if err != nil {
			logger.Error("rate limiter failure", zap.Error(err))
			// fail open: losing the limiter must not take down the protocol
			c.Next()
			return
		}

		if !allowed {
			metrics.RateLimited.WithLabelValues(endpoint).Inc()
			auditLogger.Record(audit.Entry{
				EventType: audit.EventRateLimited,
				Severity:  audit.SeverityWarning,
				Details: map[string]interface{}{
					"endpoint":   endpoint,
					"identifier": identifier,
				},
			})
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}

		c.Next()
	}
}

// OperatorAuth returns JWT middleware for the management API
func OperatorAuth(manager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		claims, err := manager.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyTenantID, claims.TenantID)
		if claims.UserID != "" {
			c.Set(ContextKeyUserID, claims.UserID)
		}

		c.Next()
	}
}

// RequireScope returns middleware that requires one of the given scopes
func RequireScope(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(ContextKeyClaims)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims := value.(*Claims)
		for _, want := range required {
			for _, scope := range claims.Scopes {
				if scope == want || scope == "*" {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
	}
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

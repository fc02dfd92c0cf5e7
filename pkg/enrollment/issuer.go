// Package enrollment mints agent credentials and the capabilities that gate
// installer retrieval.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/db/models"
	"github.com/yourorg/agent-gateway/pkg/metrics"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

// Issuance failure modes
var (
	ErrInvalidName   = errors.New("invalid agent name")
	ErrDuplicateName = errors.New("agent name already enrolled")
	ErrInvalidKey    = errors.New("invalid enrollment key")
	ErrQuotaExceeded = errors.New("agent quota exceeded")
)

// The name is later interpolated into shell and PowerShell scripts, so the
// accepted character set is restrictive on purpose.
var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidAgentName reports whether a name is safe to enroll
func ValidAgentName(name string) bool {
	return agentNamePattern.MatchString(name)
}

// Issuer mints (bearer token, HMAC secret) pairs and enrollment capabilities
type Issuer struct {
	db     *gorm.DB
	quota  *tenant.QuotaChecker
	audit  *audit.Logger
	logger *zap.Logger

	capabilityTTL     time.Duration
	capabilityMaxUses int
}

// NewIssuer creates a credential issuer
func NewIssuer(db *gorm.DB, auditLogger *audit.Logger, logger *zap.Logger) *Issuer {
	return &Issuer{
		db:                db,
		quota:             tenant.NewQuotaChecker(db),
		audit:             auditLogger,
		logger:            logger,
		capabilityTTL:     24 * time.Hour,
		capabilityMaxUses: 3,
	}
}

// IssueRequest represents an enrollment request
type IssueRequest struct {
	TenantID      string `json:"tenant_id" binding:"required"`
	EnrollmentKey string `json:"enrollment_key" binding:"required"`
	AgentName     string `json:"agent_name" binding:"required"`
	OSType        string `json:"os_type"`
}

// IssueResult carries the only secret-adjacent value ever returned from
// enrollment: the capability key unlocking one installer download. The raw
// token and HMAC secret appear nowhere in API responses.
type IssueResult struct {
	CapabilityKey string `json:"enrollment_capability_key"`
	AgentID       string `json:"agent_id"`
	ExpiresAt     string `json:"expires_at"`
}

// Issue enrolls a new agent identity and returns an installer capability key
func (i *Issuer) Issue(ctx context.Context, req *IssueRequest) (*IssueResult, error) {
	if !ValidAgentName(req.AgentName) {
		return nil, ErrInvalidName
	}

	osType := req.OSType
	switch osType {
	case "":
		osType = "linux"
	case "linux", "windows":
	default:
		return nil, fmt.Errorf("%w: unsupported os_type %q", ErrInvalidName, req.OSType)
	}

	now := time.Now()

	key, err := i.lookupKey(ctx, req.TenantID, req.EnrollmentKey)
	if err != nil {
		return nil, err
	}

	if err := i.quota.CheckAgentQuota(req.TenantID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}

	agentID, err := models.NewID("agt")
	if err != nil {
		return nil, err
	}
	credentialID, err := models.NewID("crd")
	if err != nil {
		return nil, err
	}
	capabilityID, err := models.NewID("cap")
	if err != nil {
		return nil, err
	}

	token, tokenHash, err := models.GenerateBearerToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	secret, err := models.GenerateHmacSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	capabilityKey, capabilityHash, err := models.GenerateCapabilityKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate capability key: %w", err)
	}

	expiresAt := now.Add(i.capabilityTTL)

	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		identity := &models.AgentIdentity{
			ID:         agentID,
			TenantID:   req.TenantID,
			Name:       req.AgentName,
			OSType:     osType,
			Status:     models.AgentStatusPending,
			EnrolledAt: now,
			UpdatedAt:  now,
		}
		if err := tx.Create(identity).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateName
			}
			return fmt.Errorf("failed to create agent: %w", err)
		}

		credential := &models.AgentCredential{
			ID:        credentialID,
			AgentID:   agentID,
			TenantID:  req.TenantID,
			TokenHash: tokenHash,
			Secret:    secret,
			Active:    true,
			CreatedAt: now,
		}
		if err := tx.Create(credential).Error; err != nil {
			return fmt.Errorf("failed to create credential: %w", err)
		}

		capability := &models.EnrollmentCapability{
			ID:             capabilityID,
			TenantID:       req.TenantID,
			AgentID:        agentID,
			CredentialID:   credentialID,
			KeyHash:        capabilityHash,
			OSType:         osType,
			BootstrapToken: token,
			MaxUses:        i.capabilityMaxUses,
			UseCount:       0,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
		}
		if err := tx.Create(capability).Error; err != nil {
			return fmt.Errorf("failed to create capability: %w", err)
		}

		// consume one key use atomically; losing the race means the key is gone
		result := tx.Model(&models.EnrollmentKey{}).
			Where("id = ? AND use_count < max_uses AND expires_at > ?", key.ID, now).
			Updates(map[string]interface{}{
				"use_count":    gorm.Expr("use_count + 1"),
				"last_used_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to consume enrollment key: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidKey
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Enrollments.Inc()
	i.audit.Record(audit.Entry{
		TenantID:  req.TenantID,
		EventType: audit.EventAgentEnrolled,
		ActorID:   agentID,
		Details: map[string]interface{}{
			"agent_name": req.AgentName,
			"os_type":    osType,
		},
	})

	i.logger.Info("agent enrolled",
		zap.String("agent_id", agentID),
		zap.String("tenant_id", req.TenantID),
		zap.String("agent_name", req.AgentName))

	return &IssueResult{
		CapabilityKey: capabilityKey,
		AgentID:       agentID,
		ExpiresAt:     expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

func (i *Issuer) lookupKey(ctx context.Context, tenantID, rawKey string) (*models.EnrollmentKey, error) {
	var key models.EnrollmentKey
	err := i.db.WithContext(ctx).
		Where("key_hash = ? AND tenant_id = ?", models.HashKey(rawKey), tenantID).
		First(&key).Error
	if err != nil {
		return nil, ErrInvalidKey
	}
	if !key.IsValid() {
		i.audit.Record(audit.Entry{
			TenantID:  tenantID,
			EventType: audit.EventKeyExhausted,
			Severity:  audit.SeverityWarning,
			Details:   map[string]interface{}{"key_id": key.ID},
		})
		return nil, ErrInvalidKey
	}
	return &key, nil
}

// MintKeyRequest represents an operator request for a new enrollment key
type MintKeyRequest struct {
	TenantID    string `json:"tenant_id"`
	ExpiryHours int    `json:"expiry_hours"`
	MaxUses     int    `json:"max_uses"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

// MintKeyResult carries the raw key, returned exactly once at mint time
type MintKeyResult struct {
	KeyID     string    `json:"key_id"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintKey creates a new enrollment key for a tenant
func (i *Issuer) MintKey(ctx context.Context, req *MintKeyRequest) (*MintKeyResult, error) {
	expiryHours := req.ExpiryHours
	if expiryHours <= 0 {
		expiryHours = 24
	}
	maxUses := req.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}

	rawKey, keyHash, err := models.GenerateEnrollmentKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	id, err := models.NewID("key")
	if err != nil {
		return nil, err
	}

	key := &models.EnrollmentKey{
		ID:          id,
		TenantID:    req.TenantID,
		KeyHash:     keyHash,
		Description: req.Description,
		MaxUses:     maxUses,
		ExpiresAt:   time.Now().Add(time.Duration(expiryHours) * time.Hour),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   time.Now(),
	}

	if err := i.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, fmt.Errorf("failed to store key: %w", err)
	}

	i.audit.Record(audit.Entry{
		TenantID:  req.TenantID,
		EventType: audit.EventKeyMinted,
		ActorID:   req.CreatedBy,
		Details:   map[string]interface{}{"key_id": key.ID, "max_uses": maxUses},
	})

	i.logger.Info("enrollment key minted",
		zap.String("key_id", key.ID),
		zap.String("tenant_id", req.TenantID),
		zap.Time("expires_at", key.ExpiresAt))

	return &MintKeyResult{
		KeyID:     key.ID,
		Key:       rawKey,
		ExpiresAt: key.ExpiresAt,
	}, nil
}

// ListKeys lists enrollment keys for a tenant
func (i *Issuer) ListKeys(ctx context.Context, tenantID string, includeExpired bool) ([]models.EnrollmentKey, error) {
	query := i.db.WithContext(ctx).Model(&models.EnrollmentKey{}).Where("tenant_id = ?", tenantID)
	if !includeExpired {
		query = query.Where("expires_at > ?", time.Now())
	}

	var keys []models.EnrollmentKey
	if err := query.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// DeleteAgent removes an identity together with its credential and any
// outstanding capabilities. This is the only way a secret is ever rotated:
// delete and re-enroll.
func (i *Issuer) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND tenant_id = ?", agentID, tenantID).Delete(&models.AgentIdentity{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete agent: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("agent_id = ?", agentID).Delete(&models.AgentCredential{}).Error; err != nil {
			return err
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&models.EnrollmentCapability{}).Error; err != nil {
			return err
		}

		i.audit.Record(audit.Entry{
			TenantID:  tenantID,
			EventType: audit.EventAgentDeleted,
			ActorID:   agentID,
		})

		return nil
	})
}

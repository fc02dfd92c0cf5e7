package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/db/models"
	"github.com/yourorg/agent-gateway/pkg/metrics"
)

// DefaultPollInterval is the agent loop cadence baked into rendered scripts,
// in seconds.
const DefaultPollInterval = 60

var (
	// ErrNotFound covers unknown, expired, and exhausted capabilities alike.
	// Callers must not distinguish them toward the requester.
	ErrNotFound = errors.New("installer not found")

	// ErrRenderFailed indicates the rendered script failed validation or
	// diverged from the recorded digest. Never served.
	ErrRenderFailed = errors.New("installer render failed")
)

// Synthesizer turns enrollment capabilities into installer scripts
type Synthesizer struct {
	db           *gorm.DB
	audit        *audit.Logger
	logger       *zap.Logger
	serverURL    string
	pollInterval int
}

// NewSynthesizer creates an installer synthesizer
func NewSynthesizer(db *gorm.DB, auditLogger *audit.Logger, logger *zap.Logger, serverURL string, pollInterval int) *Synthesizer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Synthesizer{
		db:           db,
		audit:        auditLogger,
		logger:       logger,
		serverURL:    strings.TrimRight(serverURL, "/"),
		pollInterval: pollInterval,
	}
}

// Artifact is a rendered installer ready to serve
type Artifact struct {
	Script   []byte
	SHA256   string
	Size     int64
	Filename string
	OSType   string
}

// Fetch resolves a capability key to its installer script. A use is
// consumed with a single guarded update, so concurrent fetches of a nearly
// exhausted capability cannot overshoot it. Every fetch of the same
// capability yields byte-identical output, verified against the digest
// recorded on first render.
func (s *Synthesizer) Fetch(ctx context.Context, capabilityKey string) (*Artifact, error) {
	now := time.Now()
	keyHash := models.HashKey(capabilityKey)

	var capability models.EnrollmentCapability
	err := s.db.WithContext(ctx).
		Preload("Agent").
		Preload("Credential").
		Where("key_hash = ?", keyHash).
		First(&capability).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up capability: %w", err)
	}

	result := s.db.WithContext(ctx).Model(&models.EnrollmentCapability{}).
		Where("id = ? AND use_count < max_uses AND expires_at > ?", capability.ID, now).
		Update("use_count", gorm.Expr("use_count + 1"))
	if result.Error != nil {
		return nil, fmt.Errorf("failed to consume capability use: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.audit.Record(audit.Entry{
			TenantID:  capability.TenantID,
			EventType: audit.EventInstallerDenied,
			Severity:  audit.SeverityWarning,
			ActorID:   capability.AgentID,
			Details: map[string]interface{}{
				"reason":    denialReason(&capability, now),
				"use_count": capability.UseCount,
				"max_uses":  capability.MaxUses,
			},
		})
		return nil, ErrNotFound
	}

	generatedAt := now.UTC().Truncate(time.Second)
	firstRender := capability.GeneratedAt == nil
	if !firstRender {
		generatedAt = capability.GeneratedAt.UTC().Truncate(time.Second)
	}

	script, err := s.render(&capability, generatedAt)
	if err != nil {
		s.logger.Error("installer render rejected",
			zap.String("capability_id", capability.ID),
			zap.Error(err))
		return nil, ErrRenderFailed
	}

	sum := sha256.Sum256(script)
	digest := hex.EncodeToString(sum[:])

	if firstRender {
		err = s.db.WithContext(ctx).Model(&models.EnrollmentCapability{}).
			Where("id = ?", capability.ID).
			Updates(map[string]interface{}{
				"installer_sha256": digest,
				"installer_size":   int64(len(script)),
				"generated_at":     generatedAt,
			}).Error
		if err != nil {
			return nil, fmt.Errorf("failed to record installer digest: %w", err)
		}
	} else if digest != capability.InstallerSHA256 {
		s.logger.Error("installer digest mismatch on re-fetch",
			zap.String("capability_id", capability.ID),
			zap.String("expected", capability.InstallerSHA256),
			zap.String("got", digest))
		return nil, ErrRenderFailed
	}

	metrics.InstallersServed.WithLabelValues(capability.OSType).Inc()
	s.audit.Record(audit.Entry{
		TenantID:  capability.TenantID,
		EventType: audit.EventInstallerServed,
		Severity:  audit.SeverityInfo,
		ActorID:   capability.AgentID,
		Details: map[string]interface{}{
			"agent_name": capability.Agent.Name,
			"os_type":    capability.OSType,
			"sha256":     digest,
			"use":        capability.UseCount + 1,
		},
	})

	return &Artifact{
		Script:   script,
		SHA256:   digest,
		Size:     int64(len(script)),
		Filename: scriptFilename(capability.Agent.Name, capability.OSType),
		OSType:   capability.OSType,
	}, nil
}

func (s *Synthesizer) render(capability *models.EnrollmentCapability, generatedAt time.Time) ([]byte, error) {
	var template string
	switch capability.OSType {
	case "windows":
		template = windowsTemplate
	case "linux":
		template = linuxTemplate
	default:
		return nil, fmt.Errorf("unsupported os type %q", capability.OSType)
	}

	if capability.BootstrapToken == "" {
		return nil, fmt.Errorf("capability %s has no bootstrap token", capability.ID)
	}
	if len(capability.Credential.Secret) != 64 {
		return nil, fmt.Errorf("capability %s has malformed secret", capability.ID)
	}

	replacer := strings.NewReplacer(
		PlaceholderToken, capability.BootstrapToken,
		PlaceholderSecret, capability.Credential.Secret,
		PlaceholderServerURL, s.serverURL,
		PlaceholderAgentName, capability.Agent.Name,
		PlaceholderInterval, strconv.Itoa(s.pollInterval),
		PlaceholderGenerated, generatedAt.Format(time.RFC3339),
	)
	rendered := replacer.Replace(template)

	// A marker surviving substitution would ship a credential-less script
	if idx := strings.Index(rendered, "{{"); idx != -1 {
		end := idx + 32
		if end > len(rendered) {
			end = len(rendered)
		}
		return nil, fmt.Errorf("unsubstituted placeholder near %q", rendered[idx:end])
	}

	return []byte(rendered), nil
}

func denialReason(capability *models.EnrollmentCapability, now time.Time) string {
	if now.After(capability.ExpiresAt) {
		return "expired"
	}
	if capability.UseCount >= capability.MaxUses {
		return "exhausted"
	}
	return "consumed concurrently"
}

func scriptFilename(agentName, osType string) string {
	if osType == "windows" {
		return fmt.Sprintf("install-%s.ps1", agentName)
	}
	return fmt.Sprintf("install-%s.sh", agentName)
}

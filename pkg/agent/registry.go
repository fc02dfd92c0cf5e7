// Package agent manages enrolled agent identities for the gateway.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/db/models"
	"github.com/yourorg/agent-gateway/pkg/metrics"
)

// DefaultOfflineThreshold is how long an agent may stay silent before it is
// considered offline. Dashboards and alerting both derive from this value
// through the registry, never from their own arithmetic.
const DefaultOfflineThreshold = 5 * time.Minute

// ErrNotFound is returned when an agent does not exist
var ErrNotFound = errors.New("agent not found")

// Registry manages agent identity records
type Registry struct {
	db               *gorm.DB
	logger           *zap.Logger
	offlineThreshold time.Duration
}

// NewRegistry creates a new agent registry
func NewRegistry(db *gorm.DB, logger *zap.Logger, offlineThreshold time.Duration) *Registry {
	if offlineThreshold <= 0 {
		offlineThreshold = DefaultOfflineThreshold
	}
	return &Registry{
		db:               db,
		logger:           logger,
		offlineThreshold: offlineThreshold,
	}
}

// OfflineThreshold returns the configured heartbeat recency threshold
func (r *Registry) OfflineThreshold() time.Duration {
	return r.offlineThreshold
}

// Heartbeat carries the host facts an agent reports
type Heartbeat struct {
	OSType       string `json:"os_type"`
	OSVersion    string `json:"os_version"`
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
}

// RecordHeartbeat updates liveness and host facts for an agent. Repeated
// calls with identical facts only refresh the timestamp.
func (r *Registry) RecordHeartbeat(ctx context.Context, tenantID, agentID string, hb *Heartbeat) error {
	now := time.Now()

	updates := map[string]interface{}{
		"last_heartbeat": now,
		"status":         models.AgentStatusActive,
		"updated_at":     now,
	}
	if hb.OSType != "" {
		updates["os_type"] = hb.OSType
	}
	if hb.OSVersion != "" {
		updates["os_version"] = hb.OSVersion
	}
	if hb.Hostname != "" {
		updates["hostname"] = hb.Hostname
	}
	if hb.AgentVersion != "" {
		updates["agent_version"] = hb.AgentVersion
	}

	result := r.db.WithContext(ctx).Model(&models.AgentIdentity{}).
		Where("id = ? AND tenant_id = ?", agentID, tenantID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	metrics.Heartbeats.Inc()
	return nil
}

// Get retrieves an agent by ID
func (r *Registry) Get(ctx context.Context, tenantID, agentID string) (*models.AgentIdentity, error) {
	var identity models.AgentIdentity
	if err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", agentID, tenantID).First(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &identity, nil
}

// GetByName retrieves an agent by its tenant-unique name
func (r *Registry) GetByName(ctx context.Context, tenantID, name string) (*models.AgentIdentity, error) {
	var identity models.AgentIdentity
	if err := r.db.WithContext(ctx).Where("name = ? AND tenant_id = ?", name, tenantID).First(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &identity, nil
}

// ListRequest represents a request to list agents
type ListRequest struct {
	TenantID string
	Status   string
	Limit    int
	Offset   int
}

// View is an agent identity annotated with its derived online state
type View struct {
	models.AgentIdentity
	Online bool `json:"online"`
}

// List lists agents with the online derivation applied
func (r *Registry) List(ctx context.Context, req *ListRequest) ([]View, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AgentIdentity{})

	if req.TenantID != "" {
		query = query.Where("tenant_id = ?", req.TenantID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count agents: %w", err)
	}

	if req.Limit > 0 {
		query = query.Limit(req.Limit)
	}
	if req.Offset > 0 {
		query = query.Offset(req.Offset)
	}

	var identities []models.AgentIdentity
	if err := query.Order("enrolled_at DESC").Find(&identities).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list agents: %w", err)
	}

	now := time.Now()
	views := make([]View, 0, len(identities))
	for _, identity := range identities {
		views = append(views, View{
			AgentIdentity: identity,
			Online:        identity.Online(now, r.offlineThreshold),
		})
	}

	return views, total, nil
}

// MarkOffline flips stale active agents to offline. Driven by an external
// periodic trigger, not a resident timer.
func (r *Registry) MarkOffline(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.offlineThreshold)

	result := r.db.WithContext(ctx).Model(&models.AgentIdentity{}).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", models.AgentStatusActive, cutoff).
		Update("status", models.AgentStatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark offline agents: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		r.logger.Info("marked agents as offline",
			zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

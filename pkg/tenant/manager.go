// Package tenant provides tenant management for the agent gateway.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/db/models"
)

// ErrNotFound is returned when a tenant does not exist
var ErrNotFound = errors.New("tenant not found")

// Manager manages tenant operations
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager creates a new tenant manager
func NewManager(db *gorm.DB, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: logger,
	}
}

// CreateRequest represents a request to create a tenant
type CreateRequest struct {
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description"`
	Settings    map[string]interface{} `json:"settings"`
	QuotaAgents int                    `json:"quota_agents"`
	QuotaJobs   int                    `json:"quota_jobs"`
}

// Create creates a new tenant
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*models.Tenant, error) {
	tenant := &models.Tenant{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Status:      models.TenantStatusActive,
		Settings:    req.Settings,
		QuotaAgents: req.QuotaAgents,
		QuotaJobs:   req.QuotaJobs,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if tenant.QuotaAgents == 0 {
		tenant.QuotaAgents = 100
	}
	if tenant.QuotaJobs == 0 {
		tenant.QuotaJobs = 10000
	}

	if err := m.db.WithContext(ctx).Create(tenant).Error; err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	m.logger.Info("tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("name", tenant.Name))

	return tenant, nil
}

// Get retrieves a tenant by ID
func (m *Manager) Get(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := m.db.WithContext(ctx).Where("id = ?", tenantID).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// List lists tenants
func (m *Manager) List(ctx context.Context, limit, offset int) ([]models.Tenant, int64, error) {
	query := m.db.WithContext(ctx).Model(&models.Tenant{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var tenants []models.Tenant
	if err := query.Order("created_at DESC").Find(&tenants).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tenants: %w", err)
	}

	return tenants, total, nil
}

// RequireActive returns the tenant if it exists and is active
func (m *Manager) RequireActive(ctx context.Context, tenantID string) (*models.Tenant, error) {
	tenant, err := m.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status != models.TenantStatusActive {
		return nil, fmt.Errorf("tenant %s is %s", tenantID, tenant.Status)
	}
	return tenant, nil
}

// QuotaChecker checks tenant quotas
type QuotaChecker struct {
	db *gorm.DB
}

// NewQuotaChecker creates a new quota checker
func NewQuotaChecker(db *gorm.DB) *QuotaChecker {
	return &QuotaChecker{db: db}
}

// CheckAgentQuota checks if the tenant can enroll more agents
func (c *QuotaChecker) CheckAgentQuota(tenantID string) error {
	var tenant struct {
		QuotaAgents int
	}
	if err := c.db.Table("tenants").Select("quota_agents").Where("id = ?", tenantID).First(&tenant).Error; err != nil {
		return fmt.Errorf("failed to get tenant quota: %w", err)
	}

	var count int64
	if err := c.db.Table("agents").Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count agents: %w", err)
	}

	if int(count) >= tenant.QuotaAgents {
		return fmt.Errorf("agent quota exceeded: %d/%d", count, tenant.QuotaAgents)
	}

	return nil
}

// CheckJobQuota checks if the tenant can queue more jobs
func (c *QuotaChecker) CheckJobQuota(tenantID string) error {
	var tenant struct {
		QuotaJobs int
	}
	if err := c.db.Table("tenants").Select("quota_jobs").Where("id = ?", tenantID).First(&tenant).Error; err != nil {
		return fmt.Errorf("failed to get tenant quota: %w", err)
	}

	var count int64
	if err := c.db.Table("jobs").Where("tenant_id = ? AND status IN ?", tenantID,
		[]string{string(models.JobStatusQueued), string(models.JobStatusDelivered)}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}

	if int(count) >= tenant.QuotaJobs {
		return fmt.Errorf("job quota exceeded: %d/%d", count, tenant.QuotaJobs)
	}

	return nil
}

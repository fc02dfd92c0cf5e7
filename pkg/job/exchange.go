// Package job implements the pull-based job exchange between the gateway and
// its agents.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/db/models"
	"github.com/yourorg/agent-gateway/pkg/metrics"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

// Exchange failure modes
var (
	ErrNotFound          = errors.New("job not found")
	ErrForbidden         = errors.New("job belongs to another agent")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// DefaultPollBatch caps how many jobs one poll may deliver
const DefaultPollBatch = 3

// DefaultStuckGrace is how long a job may sit in delivered before it is
// surfaced as an anomaly
const DefaultStuckGrace = time.Hour

// Exchange moves jobs through queued -> delivered -> done|failed
type Exchange struct {
	db        *gorm.DB
	quota     *tenant.QuotaChecker
	audit     *audit.Logger
	logger    *zap.Logger
	pollBatch int
}

// NewExchange creates a job exchange
func NewExchange(db *gorm.DB, auditLogger *audit.Logger, logger *zap.Logger) *Exchange {
	return &Exchange{
		db:        db,
		quota:     tenant.NewQuotaChecker(db),
		audit:     auditLogger,
		logger:    logger,
		pollBatch: DefaultPollBatch,
	}
}

// CreateRequest represents a request to queue a job
type CreateRequest struct {
	TenantID    string                 `json:"tenant_id"`
	AgentName   string                 `json:"agent_name" binding:"required"`
	Type        string                 `json:"type" binding:"required"`
	Payload     map[string]interface{} `json:"payload"`
	Approved    bool                   `json:"approved"`
	ScheduledAt *time.Time             `json:"scheduled_at"`
	Recurrence  string                 `json:"recurrence"`
	CreatedBy   string                 `json:"created_by"`
}

// Create queues a new job for an agent
func (e *Exchange) Create(ctx context.Context, req *CreateRequest) (*models.Job, error) {
	if err := ValidRecurrence(req.Recurrence); err != nil {
		return nil, err
	}

	if err := e.quota.CheckJobQuota(req.TenantID); err != nil {
		return nil, err
	}

	id, err := models.NewID("job")
	if err != nil {
		return nil, err
	}

	j := &models.Job{
		ID:          id,
		TenantID:    req.TenantID,
		AgentName:   req.AgentName,
		Type:        req.Type,
		Payload:     req.Payload,
		Status:      models.JobStatusQueued,
		Approved:    req.Approved,
		ScheduledAt: req.ScheduledAt,
		Recurrence:  req.Recurrence,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   time.Now(),
	}

	if err := e.db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	e.logger.Info("job queued",
		zap.String("job_id", j.ID),
		zap.String("tenant_id", j.TenantID),
		zap.String("agent_name", j.AgentName),
		zap.String("type", j.Type))

	return j, nil
}

// Delivered is the view of a job handed to an agent. Nothing beyond type and
// payload crosses the wire.
type Delivered struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Poll selects pending work for the authenticated agent and marks it
// delivered. The per-job conditional update is what guarantees at-most-once
// delivery: of N racing polls only one flips each row out of queued.
func (e *Exchange) Poll(ctx context.Context, tenantID, agentName string) ([]Delivered, error) {
	now := time.Now()

	var candidates []models.Job
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND agent_name = ? AND status = ? AND approved = ?",
			tenantID, agentName, models.JobStatusQueued, true).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("created_at ASC").
		Limit(e.pollBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}

	delivered := make([]Delivered, 0, len(candidates))
	for _, candidate := range candidates {
		result := e.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ?", candidate.ID, models.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":       models.JobStatusDelivered,
				"delivered_at": now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to mark job delivered: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// lost the race to a concurrent poll
			continue
		}

		delivered = append(delivered, Delivered{
			ID:      candidate.ID,
			Type:    candidate.Type,
			Payload: candidate.Payload,
		})

		metrics.JobsDelivered.Inc()
		e.audit.Record(audit.Entry{
			TenantID:  tenantID,
			EventType: audit.EventJobDelivered,
			ActorID:   agentName,
			Details:   map[string]interface{}{"job_id": candidate.ID, "type": candidate.Type},
		})
	}

	return delivered, nil
}

// ReportRequest represents a result upload
type ReportRequest struct {
	JobID  string `json:"job_id" binding:"required"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

// UploadReport stores a result artifact without touching job status. Upload
// and ack are separate on purpose: a result can land durably even when the
// following ack is lost, and the agent retries the ack on its own.
func (e *Exchange) UploadReport(ctx context.Context, tenantID, agentID, agentName string, req *ReportRequest) error {
	j, err := e.owned(ctx, tenantID, agentName, req.JobID)
	if err != nil {
		return err
	}

	id, err := models.NewID("rpt")
	if err != nil {
		return err
	}

	report := &models.JobReport{
		ID:        id,
		JobID:     j.ID,
		TenantID:  tenantID,
		AgentID:   agentID,
		Status:    req.Status,
		Output:    req.Output,
		Error:     req.Error,
		CreatedAt: time.Now(),
	}

	if err := e.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}

	return nil
}

// Ack transitions a delivered job into a terminal status. On successful
// completion of a recurring job the next occurrence is computed and queued.
func (e *Exchange) Ack(ctx context.Context, tenantID, agentName, jobID, status string) error {
	var terminal models.JobStatus
	switch status {
	case "", "done":
		terminal = models.JobStatusDone
	case "failed":
		terminal = models.JobStatusFailed
	default:
		return fmt.Errorf("%w: unknown terminal status %q", ErrInvalidTransition, status)
	}

	j, err := e.owned(ctx, tenantID, agentName, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	result := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", j.ID, models.JobStatusDelivered).
		Updates(map[string]interface{}{
			"status":       terminal,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to ack job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}

	metrics.JobsCompleted.WithLabelValues(string(terminal)).Inc()
	e.audit.Record(audit.Entry{
		TenantID:  tenantID,
		EventType: audit.EventJobCompleted,
		ActorID:   agentName,
		Details:   map[string]interface{}{"job_id": j.ID, "status": string(terminal)},
	})

	if terminal == models.JobStatusDone && j.Recurrence != "" {
		if err := e.scheduleNext(ctx, j, now); err != nil {
			// the completed ack stands; a bad descriptor only stops the chain
			e.logger.Error("failed to schedule recurring job",
				zap.String("job_id", j.ID),
				zap.Error(err))
		}
	}

	return nil
}

func (e *Exchange) scheduleNext(ctx context.Context, j *models.Job, completedAt time.Time) error {
	next, err := NextRun(j.Recurrence, completedAt)
	if err != nil {
		return err
	}

	id, err := models.NewID("job")
	if err != nil {
		return err
	}

	successor := &models.Job{
		ID:          id,
		TenantID:    j.TenantID,
		AgentName:   j.AgentName,
		Type:        j.Type,
		Payload:     j.Payload,
		Status:      models.JobStatusQueued,
		Approved:    true,
		ScheduledAt: &next,
		Recurrence:  j.Recurrence,
		ParentJobID: j.ID,
		CreatedBy:   j.CreatedBy,
		CreatedAt:   completedAt,
	}

	if err := e.db.WithContext(ctx).Create(successor).Error; err != nil {
		return fmt.Errorf("failed to queue recurrence successor: %w", err)
	}

	e.logger.Info("recurring job scheduled",
		zap.String("parent_job_id", j.ID),
		zap.String("job_id", successor.ID),
		zap.Time("scheduled_at", next))

	return nil
}

// owned loads a job and verifies it targets the authenticated agent. This is
// an authorization check on top of authentication.
func (e *Exchange) owned(ctx context.Context, tenantID, agentName, jobID string) (*models.Job, error) {
	var j models.Job
	if err := e.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", jobID, tenantID).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if j.AgentName != agentName {
		return nil, ErrForbidden
	}
	return &j, nil
}

// Get retrieves a job by ID within a tenant
func (e *Exchange) Get(ctx context.Context, tenantID, jobID string) (*models.Job, error) {
	var j models.Job
	if err := e.db.WithContext(ctx).Preload("Reports").Where("id = ? AND tenant_id = ?", jobID, tenantID).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &j, nil
}

// ListRequest represents a request to list jobs
type ListRequest struct {
	TenantID  string
	AgentName string
	Status    string
	Limit     int
	Offset    int
}

// List lists jobs
func (e *Exchange) List(ctx context.Context, req *ListRequest) ([]models.Job, int64, error) {
	query := e.db.WithContext(ctx).Model(&models.Job{}).Where("tenant_id = ?", req.TenantID)

	if req.AgentName != "" {
		query = query.Where("agent_name = ?", req.AgentName)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	if req.Limit > 0 {
		query = query.Limit(req.Limit)
	}
	if req.Offset > 0 {
		query = query.Offset(req.Offset)
	}

	var jobs []models.Job
	if err := query.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, total, nil
}

// Stuck surfaces jobs sitting in delivered past the grace period. They are
// reported, never auto-retried: re-running an opaque job type without an
// operator decision could be unsafe.
func (e *Exchange) Stuck(ctx context.Context, tenantID string, grace time.Duration) ([]models.Job, error) {
	if grace <= 0 {
		grace = DefaultStuckGrace
	}
	cutoff := time.Now().Add(-grace)

	var jobs []models.Job
	query := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND delivered_at < ?", models.JobStatusDelivered, cutoff)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Order("delivered_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}

	return jobs, nil
}

// Requeue is the operator action that returns a delivered or failed job to
// the queue.
func (e *Exchange) Requeue(ctx context.Context, tenantID, jobID, requestedBy string) error {
	result := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", jobID, tenantID,
			[]string{string(models.JobStatusDelivered), string(models.JobStatusFailed)}).
		Updates(map[string]interface{}{
			"status":       models.JobStatusQueued,
			"delivered_at": nil,
			"completed_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to requeue job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	e.audit.Record(audit.Entry{
		TenantID:  tenantID,
		EventType: audit.EventJobRequeued,
		ActorID:   requestedBy,
		Details:   map[string]interface{}{"job_id": jobID},
	})

	return nil
}

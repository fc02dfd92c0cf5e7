package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/agent-gateway/pkg/agent"
	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/auth"
	"github.com/yourorg/agent-gateway/pkg/db"
	"github.com/yourorg/agent-gateway/pkg/enrollment"
	"github.com/yourorg/agent-gateway/pkg/installer"
	"github.com/yourorg/agent-gateway/pkg/job"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

// Handlers contains all API handlers
type Handlers struct {
	logger        *zap.Logger
	conn          *db.Connection
	tenantManager *tenant.Manager
	issuer        *enrollment.Issuer
	registry      *agent.Registry
	exchange      *job.Exchange
	synthesizer   *installer.Synthesizer
	auditLogger   *audit.Logger
}

// NewHandlers creates new API handlers
func NewHandlers(
	logger *zap.Logger,
	conn *db.Connection,
	tenantManager *tenant.Manager,
	issuer *enrollment.Issuer,
	registry *agent.Registry,
	exchange *job.Exchange,
	synthesizer *installer.Synthesizer,
	auditLogger *audit.Logger,
) *Handlers {
	return &Handlers{
		logger:        logger,
		conn:          conn,
		tenantManager: tenantManager,
		issuer:        issuer,
		registry:      registry,
		exchange:      exchange,
		synthesizer:   synthesizer,
		auditLogger:   auditLogger,
	}
}

// Health check handlers

// HealthCheck returns the health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// Readiness returns the readiness status, gated on database connectivity
func (h *Handlers) Readiness(c *gin.Context) {
	if h.conn != nil {
		if err := h.conn.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"ready": true,
	})
}

// Enrollment handlers

// EnrollAgent enrolls a new agent and returns a capability key for installer
// retrieval. The raw bearer token and HMAC secret never appear in the
// response; they reach the agent only inside the installer script.
func (h *Handlers) EnrollAgent(c *gin.Context) {
	ctx := c.Request.Context()

	var req enrollment.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.issuer.Issue(ctx, &req)
	if err != nil {
		h.logger.Warn("enrollment rejected",
			zap.String("tenant_id", req.TenantID),
			zap.String("agent_name", req.AgentName),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetInstaller serves the installer script for a capability key. Unknown,
// expired, and exhausted keys all look the same from outside: 404.
func (h *Handlers) GetInstaller(c *gin.Context) {
	ctx := c.Request.Context()
	capabilityKey := c.Param("capability_key")

	artifact, err := h.synthesizer.Fetch(ctx, capabilityKey)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")
	c.Header("X-Script-SHA256", artifact.SHA256)
	c.Header("X-Script-Size", strconv.FormatInt(artifact.Size, 10))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", artifact.Script)
}

// Agent protocol handlers (behind HMAC auth)

// AgentHeartbeat records liveness and host facts for the calling agent
func (h *Handlers) AgentHeartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.GetString(auth.ContextKeyTenantID)
	agentID := c.GetString(auth.ContextKeyAgentID)

	var hb agent.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.RecordHeartbeat(ctx, tenantID, agentID, &hb); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AgentJobs delivers pending jobs to the calling agent
func (h *Handlers) AgentJobs(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.GetString(auth.ContextKeyTenantID)
	agentName := c.GetString(auth.ContextKeyAgentName)

	delivered, err := h.exchange.Poll(ctx, tenantID, agentName)
	if err != nil {
		h.logger.Error("job poll failed",
			zap.String("agent_name", agentName),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, delivered)
}

// AgentReport stores a result artifact uploaded by the calling agent
func (h *Handlers) AgentReport(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.GetString(auth.ContextKeyTenantID)
	agentID := c.GetString(auth.ContextKeyAgentID)
	agentName := c.GetString(auth.ContextKeyAgentName)

	var req job.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.exchange.UploadReport(ctx, tenantID, agentID, agentName, &req); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "stored"})
}

// ackRequest is the body of a job completion acknowledgment
type ackRequest struct {
	JobID  string `json:"job_id" binding:"required"`
	Status string `json:"status"`
}

// AgentAck finalizes a delivered job for the calling agent
func (h *Handlers) AgentAck(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.GetString(auth.ContextKeyTenantID)
	agentName := c.GetString(auth.ContextKeyAgentName)

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.exchange.Ack(ctx, tenantID, agentName, req.JobID, req.Status); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// Tenant handlers

// ListTenants lists all tenants
func (h *Handlers) ListTenants(c *gin.Context) {
	ctx := c.Request.Context()
	limit := getIntParam(c, "limit", 50)
	offset := getIntParam(c, "offset", 0)

	tenants, total, err := h.tenantManager.List(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list tenants", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenants": tenants,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// CreateTenant creates a new tenant
func (h *Handlers) CreateTenant(c *gin.Context) {
	ctx := c.Request.Context()

	var req tenant.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.tenantManager.Create(ctx, &req)
	if err != nil {
		h.logger.Error("failed to create tenant", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}

// GetTenant gets a tenant by ID
func (h *Handlers) GetTenant(c *gin.Context) {
	ctx := c.Request.Context()

	t, err := h.tenantManager.Get(ctx, c.Param("tenant_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

// Enrollment key handlers

// MintEnrollmentKey mints a new enrollment key. The raw key appears in this
// response and nowhere else.
func (h *Handlers) MintEnrollmentKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req enrollment.MintKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.TenantID = getTenantID(c)
	req.CreatedBy = c.GetString(auth.ContextKeyUserID)

	result, err := h.issuer.MintKey(ctx, &req)
	if err != nil {
		h.logger.Error("failed to mint enrollment key", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// ListEnrollmentKeys lists enrollment keys for the tenant
func (h *Handlers) ListEnrollmentKeys(c *gin.Context) {
	ctx := c.Request.Context()
	includeExpired := c.Query("include_expired") == "true"

	keys, err := h.issuer.ListKeys(ctx, getTenantID(c), includeExpired)
	if err != nil {
		h.logger.Error("failed to list enrollment keys", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// Agent management handlers

// ListAgents lists agents for the tenant with online state attached
func (h *Handlers) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	agents, total, err := h.registry.List(ctx, &agent.ListRequest{
		TenantID: getTenantID(c),
		Status:   c.Query("status"),
		Limit:    getIntParam(c, "limit", 50),
		Offset:   getIntParam(c, "offset", 0),
	})
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  total,
	})
}

// GetAgent gets an agent by ID
func (h *Handlers) GetAgent(c *gin.Context) {
	ctx := c.Request.Context()

	identity, err := h.registry.Get(ctx, getTenantID(c), c.Param("agent_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	view := agent.View{
		AgentIdentity: *identity,
		Online:        identity.Online(time.Now(), h.registry.OfflineThreshold()),
	}
	c.JSON(http.StatusOK, view)
}

// DeleteAgent removes an agent together with its credential
func (h *Handlers) DeleteAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agent_id")

	if err := h.issuer.DeleteAgent(ctx, getTenantID(c), agentID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

// Job management handlers

// CreateJob queues a new job for an agent
func (h *Handlers) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req job.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.TenantID = getTenantID(c)
	req.CreatedBy = c.GetString(auth.ContextKeyUserID)

	j, err := h.exchange.Create(ctx, &req)
	if err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, j)
}

// ListJobs lists jobs for the tenant
func (h *Handlers) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()

	jobs, total, err := h.exchange.List(ctx, &job.ListRequest{
		TenantID:  getTenantID(c),
		AgentName: c.Query("agent_name"),
		Status:    c.Query("status"),
		Limit:     getIntParam(c, "limit", 50),
		Offset:    getIntParam(c, "offset", 0),
	})
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": total,
	})
}

// GetJob gets a job with its reports
func (h *Handlers) GetJob(c *gin.Context) {
	ctx := c.Request.Context()

	j, err := h.exchange.Get(ctx, getTenantID(c), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, j)
}

// ListStuckJobs surfaces jobs delivered but never acknowledged
func (h *Handlers) ListStuckJobs(c *gin.Context) {
	ctx := c.Request.Context()

	grace := time.Duration(getIntParam(c, "grace_minutes", 60)) * time.Minute
	jobs, err := h.exchange.Stuck(ctx, getTenantID(c), grace)
	if err != nil {
		h.logger.Error("failed to list stuck jobs", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// RequeueJob returns a delivered or failed job to the queue
func (h *Handlers) RequeueJob(c *gin.Context) {
	ctx := c.Request.Context()

	err := h.exchange.Requeue(ctx, getTenantID(c), c.Param("job_id"), c.GetString(auth.ContextKeyUserID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "job requeued"})
}

// Maintenance handlers

// MarkOfflineAgents flips stale active agents to offline. Meant to be hit by
// an external scheduler.
func (h *Handlers) MarkOfflineAgents(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.registry.MarkOffline(ctx)
	if err != nil {
		h.logger.Error("failed to mark offline agents", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked_offline": count})
}

// ListSecurityEvents returns recent security events for the tenant
func (h *Handlers) ListSecurityEvents(c *gin.Context) {
	limit := getIntParam(c, "limit", 100)

	events, err := h.auditLogger.Recent(getTenantID(c), limit)
	if err != nil {
		h.logger.Error("failed to list security events", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Helpers

func getTenantID(c *gin.Context) string {
	return c.GetString(auth.ContextKeyTenantID)
}

func getIntParam(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

package api

import (
	"context"
	"fmt"
	"net/http"
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
	"github.com/yourorg/agent-gateway/pkg/metrics"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Debug           bool          `json:"debug" yaml:"debug"`
	TrustedProxies  []string      `json:"trusted_proxies" yaml:"trusted_proxies"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Debug:           false,
	}
}

// Server represents the HTTP server
type Server struct {
	config        *ServerConfig
	logger        *zap.Logger
	router        *gin.Engine
	server        *http.Server
	handlers      *Handlers
	authenticator *auth.Authenticator
	limiter       *auth.RateLimiter
	jwtManager    *auth.JWTManager
	auditLogger   *audit.Logger
}

// Dependencies contains all dependencies needed by the server
type Dependencies struct {
	Conn          *db.Connection
	Logger        *zap.Logger
	Authenticator *auth.Authenticator
	RateLimiter   *auth.RateLimiter
	JWTManager    *auth.JWTManager
	TenantManager *tenant.Manager
	Issuer        *enrollment.Issuer
	Registry      *agent.Registry
	Exchange      *job.Exchange
	Synthesizer   *installer.Synthesizer
	AuditLogger   *audit.Logger
}

// NewServer creates a new HTTP server
func NewServer(config *ServerConfig, deps *Dependencies) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(deps.Logger))

	if len(config.TrustedProxies) > 0 {
		router.SetTrustedProxies(config.TrustedProxies)
	}

	handlers := NewHandlers(
		deps.Logger,
		deps.Conn,
		deps.TenantManager,
		deps.Issuer,
		deps.Registry,
		deps.Exchange,
		deps.Synthesizer,
		deps.AuditLogger,
	)

	s := &Server{
		config:        config,
		logger:        deps.Logger,
		router:        router,
		handlers:      handlers,
		authenticator: deps.Authenticator,
		limiter:       deps.RateLimiter,
		jwtManager:    deps.JWTManager,
		auditLogger:   deps.AuditLogger,
	}

	s.setupRoutes()

	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health checks and metrics (no auth)
	s.router.GET("/health", s.handlers.HealthCheck)
	s.router.GET("/ready", s.handlers.Readiness)
	s.router.GET("/metrics", metrics.Handler())

	// API v1 routes
	v1 := s.router.Group("/api/v1")

	// Public routes, rate limited per identifier
	public := v1.Group("")
	{
		public.POST("/agents/enroll",
			auth.RateLimit(s.limiter, s.auditLogger, s.logger, "enroll"),
			s.handlers.EnrollAgent)
		public.GET("/installer/:capability_key",
			auth.RateLimit(s.limiter, s.auditLogger, s.logger, "installer"),
			s.handlers.GetInstaller)
	}

	// Agent protocol routes (HMAC signed requests)
	agentRoutes := v1.Group("/agent")
	agentRoutes.Use(auth.RateLimit(s.limiter, s.auditLogger, s.logger, "agent"))
	agentRoutes.Use(s.authenticator.Middleware())
	{
		agentRoutes.POST("/heartbeat", s.handlers.AgentHeartbeat)
		agentRoutes.GET("/jobs", s.handlers.AgentJobs)
		agentRoutes.POST("/reports", s.handlers.AgentReport)
		agentRoutes.POST("/jobs/ack", s.handlers.AgentAck)
	}

	// Operator routes (JWT)
	operator := v1.Group("")
	operator.Use(auth.OperatorAuth(s.jwtManager))
	{
		// Tenant routes (admin only)
		tenants := operator.Group("/tenants")
		tenants.Use(auth.RequireScope("admin"))
		{
			tenants.GET("", s.handlers.ListTenants)
			tenants.POST("", s.handlers.CreateTenant)
			tenants.GET("/:tenant_id", s.handlers.GetTenant)
		}

		// Enrollment key routes
		keys := operator.Group("/enrollment-keys")
		{
			keys.GET("", s.handlers.ListEnrollmentKeys)
			keys.POST("", s.handlers.MintEnrollmentKey)
		}

		// Agent management routes
		agents := operator.Group("/agents")
		{
			agents.GET("", s.handlers.ListAgents)
			agents.GET("/:agent_id", s.handlers.GetAgent)
			agents.DELETE("/:agent_id", s.handlers.DeleteAgent)
		}

		// Job routes
		jobs := operator.Group("/jobs")
		{
			jobs.GET("", s.handlers.ListJobs)
			jobs.POST("", s.handlers.CreateJob)
			jobs.GET("/stuck", s.handlers.ListStuckJobs)
			jobs.GET("/:job_id", s.handlers.GetJob)
			jobs.POST("/:job_id/requeue", s.handlers.RequeueJob)
		}

		// Security events
		operator.GET("/security-events", s.handlers.ListSecurityEvents)

		// Maintenance (scheduler-driven)
		operator.POST("/maintenance/mark-offline", s.handlers.MarkOfflineAgents)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting HTTP server", zap.String("address", addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// RequestLogger returns a gin middleware for logging requests
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}

		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if status >= 500 {
			logger.Error("request completed", fields...)
		} else if status >= 400 {
			logger.Warn("request completed", fields...)
		} else {
			logger.Info("request completed", fields...)
		}
	}
}

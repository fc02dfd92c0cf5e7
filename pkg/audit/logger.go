// Package audit provides security event logging for the agent gateway.
package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/db/models"
)

// Event types recorded by the gateway
const (
	EventAuthFailure      = "agent.auth_failure"
	EventAgentEnrolled    = "agent.enrolled"
	EventAgentDeleted     = "agent.deleted"
	EventInstallerServed  = "installer.served"
	EventInstallerDenied  = "installer.denied"
	EventKeyMinted        = "enrollment_key.minted"
	EventKeyExhausted     = "enrollment_key.exhausted"
	EventJobDelivered     = "job.delivered"
	EventJobCompleted     = "job.completed"
	EventJobRequeued      = "job.requeued"
	EventRateLimited      = "request.rate_limited"
)

// Severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Entry is one security event before persistence
type Entry struct {
	TenantID  string
	EventType string
	Severity  string
	ActorID   string
	Details   map[string]interface{}
}

// Logger buffers security events and writes them to the store in the
// background so request handlers never block on audit I/O.
type Logger struct {
	db     *gorm.DB
	logger *zap.Logger

	ch     chan Entry
	wg     sync.WaitGroup
	closed sync.Once
}

// NewLogger creates and starts a security event logger
func NewLogger(db *gorm.DB, logger *zap.Logger) *Logger {
	l := &Logger{
		db:     db,
		logger: logger,
		ch:     make(chan Entry, 256),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Record queues a security event. Events are dropped, with a log line, rather
// than blocking the request path when the buffer is full.
func (l *Logger) Record(e Entry) {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit buffer full, dropping event",
			zap.String("event_type", e.EventType))
	}
}

// Close drains the buffer and stops the writer
func (l *Logger) Close() error {
	l.closed.Do(func() {
		close(l.ch)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	for e := range l.ch {
		l.write(e)
	}
}

func (l *Logger) write(e Entry) {
	id, err := models.NewID("evt")
	if err != nil {
		l.logger.Error("failed to generate event id", zap.Error(err))
		return
	}

	record := models.SecurityEvent{
		ID:        id,
		TenantID:  e.TenantID,
		EventType: e.EventType,
		Severity:  e.Severity,
		ActorID:   e.ActorID,
		Details:   e.Details,
		CreatedAt: time.Now(),
	}

	if err := l.db.Create(&record).Error; err != nil {
		l.logger.Error("failed to persist security event",
			zap.String("event_type", e.EventType),
			zap.Error(err))
	}
}

// Recent returns the latest events for a tenant, newest first
func (l *Logger) Recent(tenantID string, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []models.SecurityEvent
	query := l.db.Model(&models.SecurityEvent{}).Order("created_at DESC").Limit(limit)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/db"
	"github.com/yourorg/agent-gateway/pkg/db/models"
)

func newExchangeTestEnv(t *testing.T) (*Exchange, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:exchange-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	// serialize access so concurrent polls exercise the conditional update
	// rather than sqlite's single-writer lock
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	logger := zap.NewNop()
	auditLogger := audit.NewLogger(gdb, logger)
	t.Cleanup(func() { auditLogger.Close() })

	require.NoError(t, gdb.Create(&models.Tenant{
		ID: "ten_1", Name: "acme", Status: models.TenantStatusActive,
		QuotaAgents: 100, QuotaJobs: 100,
	}).Error)

	return NewExchange(gdb, auditLogger, logger), gdb
}

func queueJob(t *testing.T, e *Exchange, approved bool) *models.Job {
	t.Helper()
	j, err := e.Create(context.Background(), &CreateRequest{
		TenantID:  "ten_1",
		AgentName: "web-01",
		Type:      "scan",
		Payload:   map[string]interface{}{"target": "10.0.0.0/24"},
		Approved:  approved,
	})
	require.NoError(t, err)
	return j
}

func TestPollDeliversOnlyApprovedDueJobs(t *testing.T) {
	e, _ := newExchangeTestEnv(t)
	ctx := context.Background()

	approved := queueJob(t, e, true)
	queueJob(t, e, false)

	future := time.Now().Add(time.Hour)
	_, err := e.Create(ctx, &CreateRequest{
		TenantID: "ten_1", AgentName: "web-01", Type: "scan",
		Approved: true, ScheduledAt: &future,
	})
	require.NoError(t, err)

	delivered, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Equal(t, approved.ID, delivered[0].ID)
	require.Equal(t, "scan", delivered[0].Type)

	// a second poll returns nothing: the job is delivered now
	delivered, err = e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.Empty(t, delivered)
}

func TestPollIgnoresOtherAgentsJobs(t *testing.T) {
	e, _ := newExchangeTestEnv(t)
	ctx := context.Background()

	queueJob(t, e, true)

	delivered, err := e.Poll(ctx, "ten_1", "web-02")
	require.NoError(t, err)
	require.Empty(t, delivered)
}

func TestConcurrentPollsDeliverAtMostOnce(t *testing.T) {
	e, _ := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)

	const pollers = 8
	var wg sync.WaitGroup
	results := make([][]Delivered, pollers)
	errs := make([]error, pollers)

	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = e.Poll(ctx, "ten_1", "web-01")
		}(i)
	}
	wg.Wait()

	total := 0
	for i, delivered := range results {
		require.NoError(t, errs[i])
		total += len(delivered)
	}
	require.Equal(t, 1, total, "job %s delivered %d times", j.ID, total)
}

func TestAckTransitions(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)

	// queued jobs cannot be acked
	require.ErrorIs(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "done"), ErrInvalidTransition)

	_, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)

	require.NoError(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "done"))

	var stored models.Job
	require.NoError(t, gdb.Where("id = ?", j.ID).First(&stored).Error)
	require.Equal(t, models.JobStatusDone, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	// acking twice is a conflict
	require.ErrorIs(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "done"), ErrInvalidTransition)
}

func TestAckRejectsForeignAndUnknownJobs(t *testing.T) {
	e, _ := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)
	_, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)

	require.ErrorIs(t, e.Ack(ctx, "ten_1", "web-02", j.ID, "done"), ErrForbidden)
	require.ErrorIs(t, e.Ack(ctx, "ten_1", "web-01", "job_missing", "done"), ErrNotFound)
	require.ErrorIs(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "exploded"), ErrInvalidTransition)
}

func TestAckEmptyStatusMeansDone(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)
	_, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)

	require.NoError(t, e.Ack(ctx, "ten_1", "web-01", j.ID, ""))

	var stored models.Job
	require.NoError(t, gdb.Where("id = ?", j.ID).First(&stored).Error)
	require.Equal(t, models.JobStatusDone, stored.Status)
}

func TestUploadReportDoesNotChangeStatus(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)
	_, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)

	require.NoError(t, e.UploadReport(ctx, "ten_1", "agt_1", "web-01", &ReportRequest{
		JobID: j.ID, Status: "done", Output: "scan complete",
	}))

	var stored models.Job
	require.NoError(t, gdb.Where("id = ?", j.ID).First(&stored).Error)
	require.Equal(t, models.JobStatusDelivered, stored.Status)

	// the report survives independently of any later ack
	var reports []models.JobReport
	require.NoError(t, gdb.Where("job_id = ?", j.ID).Find(&reports).Error)
	require.Len(t, reports, 1)
	require.Equal(t, "scan complete", reports[0].Output)
}

func TestRecurringJobSchedulesSuccessor(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	j, err := e.Create(ctx, &CreateRequest{
		TenantID: "ten_1", AgentName: "web-01", Type: "scan",
		Approved: true, Recurrence: "0 * * * *",
	})
	require.NoError(t, err)

	_, err = e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.NoError(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "done"))

	var successor models.Job
	require.NoError(t, gdb.Where("parent_job_id = ?", j.ID).First(&successor).Error)
	require.Equal(t, models.JobStatusQueued, successor.Status)
	require.True(t, successor.Approved)
	require.Equal(t, "0 * * * *", successor.Recurrence)
	require.NotNil(t, successor.ScheduledAt)
	require.True(t, successor.ScheduledAt.After(time.Now().Add(-time.Minute)))
}

func TestFailedRecurringJobStopsChain(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	j, err := e.Create(ctx, &CreateRequest{
		TenantID: "ten_1", AgentName: "web-01", Type: "scan",
		Approved: true, Recurrence: "@hourly",
	})
	require.NoError(t, err)

	_, err = e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.NoError(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "failed"))

	var count int64
	require.NoError(t, gdb.Model(&models.Job{}).Where("parent_job_id = ?", j.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreateRejectsBadRecurrence(t *testing.T) {
	e, _ := newExchangeTestEnv(t)

	_, err := e.Create(context.Background(), &CreateRequest{
		TenantID: "ten_1", AgentName: "web-01", Type: "scan",
		Recurrence: "every tuesday",
	})
	require.Error(t, err)
}

func TestStuckAndRequeue(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)
	_, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)

	// freshly delivered jobs are not stuck
	stuck, err := e.Stuck(ctx, "ten_1", time.Hour)
	require.NoError(t, err)
	require.Empty(t, stuck)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, gdb.Model(&models.Job{}).
		Where("id = ?", j.ID).Update("delivered_at", old).Error)

	stuck, err = e.Stuck(ctx, "ten_1", time.Hour)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, j.ID, stuck[0].ID)

	require.NoError(t, e.Requeue(ctx, "ten_1", j.ID, "operator-1"))

	var stored models.Job
	require.NoError(t, gdb.Where("id = ?", j.ID).First(&stored).Error)
	require.Equal(t, models.JobStatusQueued, stored.Status)
	require.Nil(t, stored.DeliveredAt)

	// the requeued job is deliverable again
	delivered, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.Len(t, delivered, 1)
}

func TestRequeueRejectsQueuedAndDoneJobs(t *testing.T) {
	e, _ := newExchangeTestEnv(t)
	ctx := context.Background()

	j := queueJob(t, e, true)
	require.ErrorIs(t, e.Requeue(ctx, "ten_1", j.ID, "operator-1"), ErrNotFound)

	_, err := e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.NoError(t, e.Ack(ctx, "ten_1", "web-01", j.ID, "done"))
	require.ErrorIs(t, e.Requeue(ctx, "ten_1", j.ID, "operator-1"), ErrNotFound)
}

func TestNextRunIsPure(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	first, err := NextRun("0 * * * *", after)
	require.NoError(t, err)
	second, err := NextRun("0 * * * *", after)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), first)

	_, err = NextRun("not a pattern", after)
	require.Error(t, err)
}

func TestJobQuotaCountsOutstandingOnly(t *testing.T) {
	e, gdb := newExchangeTestEnv(t)
	ctx := context.Background()

	require.NoError(t, gdb.Model(&models.Tenant{}).
		Where("id = ?", "ten_1").Update("quota_jobs", 2).Error)

	first := queueJob(t, e, true)
	queueJob(t, e, true)

	_, err := e.Create(ctx, &CreateRequest{
		TenantID: "ten_1", AgentName: "web-01", Type: "scan",
	})
	require.Error(t, err)

	// completing a job frees quota
	_, err = e.Poll(ctx, "ten_1", "web-01")
	require.NoError(t, err)
	require.NoError(t, e.Ack(ctx, "ten_1", "web-01", first.ID, "done"))

	_, err = e.Create(ctx, &CreateRequest{
		TenantID: "ten_1", AgentName: "web-01", Type: "scan",
	})
	require.NoError(t, err)
}

// Package models contains database models for the agent gateway.
package models

import (
	"time"
)

// JobStatus represents the delivery state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusDelivered JobStatus = "delivered"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of opaque work dispatched to exactly one agent.
// Status only moves forward along queued -> delivered -> done|failed.
type Job struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	TenantID    string     `gorm:"size:64;not null;index" json:"tenant_id"`
	AgentName   string     `gorm:"size:64;not null;index:idx_jobs_agent_status" json:"agent_name"`
	Type        string     `gorm:"size:64;not null" json:"type"`
	Payload     JSONMap    `gorm:"type:json" json:"payload,omitempty"`
	Status      JobStatus  `gorm:"size:16;default:'queued';index:idx_jobs_agent_status" json:"status"`
	Approved    bool       `gorm:"default:false" json:"approved"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Recurrence  string     `gorm:"size:64" json:"recurrence,omitempty"`
	ParentJobID string     `gorm:"size:64;index" json:"parent_job_id,omitempty"`
	CreatedBy   string     `gorm:"size:64" json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Tenant  Tenant      `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
	Reports []JobReport `gorm:"foreignKey:JobID" json:"reports,omitempty"`
}

// TableName returns the table name for Job
func (Job) TableName() string {
	return "jobs"
}

// JobReport is a result artifact uploaded by an agent. Storing reports
// separately from the job row lets a result survive a lost ack.
type JobReport struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	JobID     string    `gorm:"size:64;not null;index" json:"job_id"`
	TenantID  string    `gorm:"size:64;not null;index" json:"tenant_id"`
	AgentID   string    `gorm:"size:64;not null" json:"agent_id"`
	Status    string    `gorm:"size:16" json:"status,omitempty"`
	Output    string    `gorm:"type:text" json:"output,omitempty"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Job Job `gorm:"foreignKey:JobID" json:"job,omitempty"`
}

// TableName returns the table name for JobReport
func (JobReport) TableName() string {
	return "job_reports"
}

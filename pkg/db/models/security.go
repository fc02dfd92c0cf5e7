// Package models contains database models for the agent gateway.
package models

import (
	"time"
)

// AgentNonce records a (credential, nonce) pair seen inside the freshness
// window. The composite primary key makes the replay check a single
// conditional insert: a duplicate insert fails, a fresh one succeeds.
type AgentNonce struct {
	TokenHash string    `gorm:"primaryKey;size:64"`
	Nonce     string    `gorm:"primaryKey;size:64"`
	SeenAt    time.Time `gorm:"index"`
}

// TableName returns the table name for AgentNonce
func (AgentNonce) TableName() string {
	return "agent_nonces"
}

// RateLimitEntry is one keyed, TTL-bearing request counter. Handlers are
// stateless, so the counter lives in the shared store rather than process
// memory. Contract for callers: reject while blocked_until > now.
type RateLimitEntry struct {
	Identifier   string     `gorm:"primaryKey;size:128" json:"identifier"`
	Endpoint     string     `gorm:"primaryKey;size:64" json:"endpoint"`
	WindowStart  time.Time  `json:"window_start"`
	RequestCount int        `json:"request_count"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// TableName returns the table name for RateLimitEntry
func (RateLimitEntry) TableName() string {
	return "rate_limits"
}

// SecurityEvent is an audit record for protocol-relevant activity. The
// authenticator returns undifferentiated 401s to callers; the real reason
// lands here for operator diagnostics.
type SecurityEvent struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	TenantID  string    `gorm:"size:64;index" json:"tenant_id,omitempty"`
	EventType string    `gorm:"size:64;not null;index" json:"event_type"`
	Severity  string    `gorm:"size:16;default:'info'" json:"severity"`
	ActorID   string    `gorm:"size:64" json:"actor_id,omitempty"`
	Details   JSONMap   `gorm:"type:json" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the table name for SecurityEvent
func (SecurityEvent) TableName() string {
	return "security_events"
}

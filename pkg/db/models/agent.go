// Package models contains database models for the agent gateway.
package models

import (
	"time"
)

// AgentStatus represents the lifecycle status of an agent identity
type AgentStatus string

const (
	AgentStatusPending AgentStatus = "pending"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
)

// AgentIdentity represents one enrolled monitoring endpoint
type AgentIdentity struct {
	ID            string      `gorm:"primaryKey;size:64" json:"id"`
	TenantID      string      `gorm:"size:64;not null;index;uniqueIndex:idx_tenant_agent_name" json:"tenant_id"`
	Name          string      `gorm:"size:64;not null;uniqueIndex:idx_tenant_agent_name" json:"name"`
	OSType        string      `gorm:"size:16" json:"os_type,omitempty"`
	OSVersion     string      `gorm:"size:128" json:"os_version,omitempty"`
	Hostname      string      `gorm:"size:255" json:"hostname,omitempty"`
	AgentVersion  string      `gorm:"size:64" json:"agent_version,omitempty"`
	Status        AgentStatus `gorm:"size:16;default:'pending'" json:"status"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	EnrolledAt    time.Time   `json:"enrolled_at"`
	UpdatedAt     time.Time   `json:"updated_at"`

	// Relationships
	Tenant     Tenant           `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
	Credential *AgentCredential `gorm:"foreignKey:AgentID" json:"credential,omitempty"`
}

// TableName returns the table name for AgentIdentity
func (AgentIdentity) TableName() string {
	return "agents"
}

// Online reports whether the agent has sent a heartbeat within the threshold.
// This derivation is the single source of truth for online/offline display.
func (a *AgentIdentity) Online(now time.Time, threshold time.Duration) bool {
	if a.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeat) < threshold
}

// AgentCredential is the bearer token and HMAC secret bound 1:1 to an agent.
// The credential keeps only the token's SHA-256 hash; lookups hash the
// presented token.
// The symmetric secret is stored because the server must recompute request
// signatures with it, but it is never serialized into API responses.
type AgentCredential struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	AgentID    string     `gorm:"size:64;not null;uniqueIndex" json:"agent_id"`
	TenantID   string     `gorm:"size:64;not null;index" json:"tenant_id"`
	TokenHash  string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Secret     string     `gorm:"size:128;not null" json:"-"`
	Active     bool       `gorm:"default:true" json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	Agent AgentIdentity `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
}

// TableName returns the table name for AgentCredential
func (AgentCredential) TableName() string {
	return "agent_credentials"
}

// Usable reports whether the credential may authenticate requests
func (c *AgentCredential) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	return true
}

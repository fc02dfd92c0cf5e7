// Package models contains database models for the agent gateway.
package models

import (
	"time"
)

// EnrollmentKey is an operator-minted key that authorizes agent enrollment
// for a tenant. It is usage-limited and expiring, and stored only as a hash.
type EnrollmentKey struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	TenantID    string     `gorm:"size:64;not null;index" json:"tenant_id"`
	KeyHash     string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	MaxUses     int        `gorm:"default:1" json:"max_uses"`
	UseCount    int        `gorm:"default:0" json:"use_count"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedBy   string     `gorm:"size:64" json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`

	Tenant Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
}

// TableName returns the table name for EnrollmentKey
func (EnrollmentKey) TableName() string {
	return "enrollment_keys"
}

// IsValid returns true if the enrollment key may still be used
func (k *EnrollmentKey) IsValid() bool {
	if k.UseCount >= k.MaxUses {
		return false
	}
	if time.Now().After(k.ExpiresAt) {
		return false
	}
	return true
}

// EnrollmentCapability is a single-use, time-limited reference that authorizes
// installer-script retrieval for one pending agent. The installer digest is
// persisted on first render so repeated fetches are verifiably identical.
type EnrollmentCapability struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	TenantID     string     `gorm:"size:64;not null;index" json:"tenant_id"`
	AgentID      string     `gorm:"size:64;not null;index" json:"agent_id"`
	CredentialID string     `gorm:"size:64;not null" json:"credential_id"`
	KeyHash      string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	OSType       string     `gorm:"size:16;not null" json:"os_type"`

	// BootstrapToken is the raw bearer token pending embedding into the
	// installer. It lives only on this short-lived row; the credential record
	// keeps just the hash.
	BootstrapToken string `gorm:"size:64;not null" json:"-"`
	MaxUses      int        `gorm:"default:3" json:"max_uses"`
	UseCount     int        `gorm:"default:0" json:"use_count"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`

	// Installer artifact metadata, set on first successful render
	InstallerSHA256 string     `gorm:"size:64" json:"installer_sha256,omitempty"`
	InstallerSize   int64      `json:"installer_size,omitempty"`
	GeneratedAt     *time.Time `json:"generated_at,omitempty"`

	Tenant     Tenant          `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
	Agent      AgentIdentity   `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	Credential AgentCredential `gorm:"foreignKey:CredentialID" json:"-"`
}

// TableName returns the table name for EnrollmentCapability
func (EnrollmentCapability) TableName() string {
	return "enrollment_capabilities"
}

// Exhausted returns true if the capability is inert
func (c *EnrollmentCapability) Exhausted(now time.Time) bool {
	if c.UseCount >= c.MaxUses {
		return true
	}
	return now.After(c.ExpiresAt)
}

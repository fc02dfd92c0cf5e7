// Package auth provides request authentication for the agent gateway.
package auth

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/db/models"
)

// ErrNonceReplay is returned when a (credential, nonce) pair has already been
// seen inside the freshness window.
var ErrNonceReplay = errors.New("nonce replay detected")

// NonceStore provides replay protection backed by the shared database, so it
// holds under horizontally scaled handlers.
type NonceStore struct {
	db     *gorm.DB
	window time.Duration
}

// NewNonceStore creates a nonce store with the given retention window
func NewNonceStore(db *gorm.DB, window time.Duration) *NonceStore {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &NonceStore{db: db, window: window}
}

// CheckAndStore records a nonce for a credential, returning ErrNonceReplay if
// it was already seen. The insert against the composite primary key is the
// atomic check: two racing requests cannot both succeed.
func (s *NonceStore) CheckAndStore(tokenHash, nonce string, now time.Time) error {
	if tokenHash == "" || nonce == "" {
		return errors.New("missing token or nonce")
	}

	cutoff := now.Add(-s.window)
	if err := s.db.Where("seen_at < ?", cutoff).Delete(&models.AgentNonce{}).Error; err != nil {
		return err
	}

	record := models.AgentNonce{TokenHash: tokenHash, Nonce: nonce, SeenAt: now}
	if err := s.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrNonceReplay
		}
		return err
	}

	return nil
}

// Package auth provides request authentication for the agent gateway.
package auth

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/db/models"
)

// RateLimitConfig tunes one limiter instance
type RateLimitConfig struct {
	Limit    int           // requests per window
	Window   time.Duration // counting window
	BlockFor time.Duration // penalty once the limit is crossed
}

// DefaultRateLimitConfig returns the limiter defaults for public endpoints
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:    30,
		Window:   time.Minute,
		BlockFor: 15 * time.Minute,
	}
}

// RateLimiter tracks per-identifier request usage in the shared store using
// keyed, TTL-bearing counters. The check contract is deliberately narrow:
// reject while blocked_until > now.
type RateLimiter struct {
	db  *gorm.DB
	cfg RateLimitConfig
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(db *gorm.DB, cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{db: db, cfg: cfg}
}

// Allow records one request for (identifier, endpoint) and reports whether the
// caller may proceed. Counting happens regardless of authentication outcome.
func (rl *RateLimiter) Allow(identifier, endpoint string, now time.Time) (bool, error) {
	if identifier == "" {
		return false, errors.New("missing rate limit identifier")
	}

	var entry models.RateLimitEntry
	err := rl.db.Where("identifier = ? AND endpoint = ?", identifier, endpoint).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		entry = models.RateLimitEntry{
			Identifier:   identifier,
			Endpoint:     endpoint,
			WindowStart:  now,
			RequestCount: 1,
		}
		if createErr := rl.db.Create(&entry).Error; createErr != nil {
			if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return false, fmt.Errorf("failed to create rate limit entry: %w", createErr)
			}
			// lost the insert race; fall through to the increment path
			if err := rl.db.Where("identifier = ? AND endpoint = ?", identifier, endpoint).First(&entry).Error; err != nil {
				return false, err
			}
		} else {
			return true, nil
		}
	} else if err != nil {
		return false, fmt.Errorf("failed to read rate limit entry: %w", err)
	}

	if entry.BlockedUntil != nil && now.Before(*entry.BlockedUntil) {
		return false, nil
	}

	if now.Sub(entry.WindowStart) >= rl.cfg.Window {
		updates := map[string]interface{}{
			"window_start":  now,
			"request_count": 1,
			"blocked_until": nil,
		}
		if err := rl.db.Model(&models.RateLimitEntry{}).
			Where("identifier = ? AND endpoint = ?", identifier, endpoint).
			Updates(updates).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	// atomic increment; two concurrent requests both land in the counter
	if err := rl.db.Model(&models.RateLimitEntry{}).
		Where("identifier = ? AND endpoint = ?", identifier, endpoint).
		Update("request_count", gorm.Expr("request_count + 1")).Error; err != nil {
		return false, err
	}

	if entry.RequestCount+1 > rl.cfg.Limit {
		blockedUntil := now.Add(rl.cfg.BlockFor)
		if err := rl.db.Model(&models.RateLimitEntry{}).
			Where("identifier = ? AND endpoint = ?", identifier, endpoint).
			Update("blocked_until", blockedUntil).Error; err != nil {
			return false, err
		}
		return false, nil
	}

	return true, nil
}

// Prune removes counters whose window and block period have both lapsed
func (rl *RateLimiter) Prune(now time.Time) (int64, error) {
	cutoff := now.Add(-rl.cfg.Window - rl.cfg.BlockFor)
	result := rl.db.
		Where("window_start < ? AND (blocked_until IS NULL OR blocked_until < ?)", cutoff, now).
		Delete(&models.RateLimitEntry{})
	return result.RowsAffected, result.Error
}

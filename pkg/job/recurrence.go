// Package job implements the pull-based job exchange between the gateway and
// its agents.
package job

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence descriptors use standard five-field cron syntax, plus the usual
// @hourly/@daily style shorthands.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidRecurrence checks a recurrence descriptor without scheduling anything
func ValidRecurrence(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := cronParser.Parse(pattern); err != nil {
		return fmt.Errorf("invalid recurrence %q: %w", pattern, err)
	}
	return nil
}

// NextRun computes the next occurrence after the given instant. Pure: the
// result depends only on the pattern and the reference time, never on the
// wall clock.
func NextRun(pattern string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence %q: %w", pattern, err)
	}
	return schedule.Next(after), nil
}

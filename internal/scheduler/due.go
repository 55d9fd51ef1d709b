// Package scheduler selects due schedules on a fixed tick and hands them to
// the dispatcher.
package scheduler

import (
	"time"

	"github.com/scan-engine/internal/models"
)

const minutesPerDay = 24 * 60

// Reason explains an IsDue decision
type Reason string

const (
	ReasonDue            Reason = "due"
	ReasonNotYet         Reason = "outside_window"
	ReasonWrongDay       Reason = "day_filtered"
	ReasonCooldown       Reason = "cooldown"
	ReasonInvalidTime    Reason = "invalid_time"
	ReasonDisabled       Reason = "disabled"
	ReasonAlreadyRunning Reason = "running"
)

// IsDue reports whether s should fire at now. The schedule is due when now,
// in the schedule's timezone, is between its time of day and tolerance after
// it; the window may cross midnight, in which case the day filter applies to
// the day the window opened. A run within cooldown of now suppresses firing.
func IsDue(s *models.Schedule, now time.Time, tolerance, cooldown time.Duration) (bool, Reason) {
	if !s.Enabled {
		return false, ReasonDisabled
	}
	if s.LastRunStatus == models.RunStatusRunning {
		return false, ReasonAlreadyRunning
	}

	target, err := s.MinuteOfDay()
	if err != nil {
		return false, ReasonInvalidTime
	}

	local := now.In(s.Location())
	current := local.Hour()*60 + local.Minute()
	diff := (current - target + minutesPerDay) % minutesPerDay
	if diff > int(tolerance/time.Minute) {
		return false, ReasonNotYet
	}

	opened := local.Add(-time.Duration(diff) * time.Minute)
	if !s.RunsOn(opened.Weekday()) {
		return false, ReasonWrongDay
	}

	if s.LastRunAt != nil && now.Sub(*s.LastRunAt) < cooldown {
		return false, ReasonCooldown
	}
	return true, ReasonDue
}

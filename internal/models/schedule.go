// Package models provides data models for the scan engine.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scan-engine/internal/types"
)

// RunStatus is the outcome of a schedule's most recent firing
type RunStatus string

const (
	RunStatusIdle    RunStatus = "idle"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Schedule is a tenant-owned recurring scan definition
type Schedule struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenantId" db:"tenant_id"`
	TimeOfDay      string            `json:"timeOfDay" db:"time_of_day"` // HH:MM, 24h
	Timezone       string            `json:"timezone" db:"timezone"`     // IANA name
	Days           []int             `json:"days" db:"days"`             // 0=Sunday..6, empty = every day
	Window         types.Window      `json:"window" db:"window_days"`
	Accounts       []string          `json:"accounts" db:"accounts"`
	GroupID        *string           `json:"groupId,omitempty" db:"group_id"`
	Enabled        bool              `json:"enabled" db:"enabled"`
	Model          string            `json:"model" db:"model"`
	Selectivity    types.Selectivity `json:"selectivity" db:"selectivity"`
	Prompt         string            `json:"prompt" db:"prompt"`
	LastRunAt      *time.Time        `json:"lastRunAt,omitempty" db:"last_run_at"`
	LastRunStatus  RunStatus         `json:"lastRunStatus" db:"last_run_status"`
	LastRunMessage string            `json:"lastRunMessage" db:"last_run_message"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}

// MinuteOfDay parses TimeOfDay into minutes after midnight
func (s *Schedule) MinuteOfDay() (int, error) {
	return ParseTimeOfDay(s.TimeOfDay)
}

// Location returns the schedule's timezone, falling back to UTC when the
// name is empty or unknown.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RunsOn reports whether the schedule's day filter includes weekday
func (s *Schedule) RunsOn(weekday time.Weekday) bool {
	if len(s.Days) == 0 {
		return true
	}
	for _, d := range s.Days {
		if d == int(weekday) {
			return true
		}
	}
	return false
}

// ParseTimeOfDay parses "HH:MM" into minutes after midnight
func ParseTimeOfDay(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}

// AccountGroup is a saved list of accounts a tenant can reference from schedules
type AccountGroup struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenantId" db:"tenant_id"`
	Name       string     `json:"name" db:"name"`
	Accounts   []string   `json:"accounts" db:"accounts"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}

// Package types provides common type definitions for the scan engine.
package types

import "time"

// SubscriptionStatus represents a tenant's billing state
type SubscriptionStatus string

const (
	// SubscriptionNone represents a tenant without a paid plan
	SubscriptionNone SubscriptionStatus = "none"
	// SubscriptionActive represents a tenant with a recurring plan in good standing
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionPastDue represents a tenant whose recurring payment failed
	SubscriptionPastDue SubscriptionStatus = "past_due"
	// SubscriptionCanceled represents a tenant whose plan ended
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Window is a lookback range in days
type Window int

const (
	WindowDay   Window = 1
	WindowWeek  Window = 7
	WindowMonth Window = 30
)

// Valid reports whether w is one of the supported lookback ranges
func (w Window) Valid() bool {
	switch w {
	case WindowDay, WindowWeek, WindowMonth:
		return true
	}
	return false
}

// Duration returns the lookback range as a duration
func (w Window) Duration() time.Duration {
	return time.Duration(w) * 24 * time.Hour
}

// Cutoff returns the oldest instant included in the window ending at now
func (w Window) Cutoff(now time.Time) time.Time {
	return now.Add(-w.Duration())
}

// Selectivity controls how aggressively the analysis provider filters content
type Selectivity string

const (
	SelectivityStrict   Selectivity = "strict"
	SelectivityBalanced Selectivity = "balanced"
	SelectivityBroad    Selectivity = "broad"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// WeekStart returns the start of the ISO week (Monday 00:00 UTC) containing t
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

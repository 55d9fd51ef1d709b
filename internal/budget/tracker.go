// Package budget accounts for the outbound work one invocation is allowed to do.
package budget

import (
	"sync"
)

// DefaultLimit is the outbound unit ceiling for a single invocation.
const DefaultLimit = 50

// Tracker counts outbound units spent by one execution unit against a fixed
// ceiling. A Tracker is created fresh per invocation and passed by reference
// to every component that performs outbound work. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	used    int
	limit   int
	skipped []string
}

// NewTracker creates a tracker with the given limit.
// A non-positive limit uses DefaultLimit.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Tracker{limit: limit}
}

// Used returns the units spent so far.
func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Limit returns the configured ceiling.
func (t *Tracker) Limit() int {
	return t.limit
}

// Remaining returns the units still available.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *Tracker) remainingLocked() int {
	if r := t.limit - t.used; r > 0 {
		return r
	}
	return 0
}

// CanAfford reports whether cost units are still available. It does not
// reserve them; concurrent callers should use TrySpend.
func (t *Tracker) CanAfford(cost int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cost <= t.remainingLocked()
}

// TrySpend atomically checks and spends cost units.
// Returns false without spending when the budget cannot cover cost.
func (t *Tracker) TrySpend(cost int) bool {
	if cost <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cost > t.remainingLocked() {
		return false
	}
	t.used += cost
	return true
}

// Spend records cost units unconditionally. Used for work that already
// happened, such as a retried call, so the count stays truthful even past
// the limit.
func (t *Tracker) Spend(cost int) {
	if cost <= 0 {
		return
	}
	t.mu.Lock()
	t.used += cost
	t.mu.Unlock()
}

// Refund returns units reserved by TrySpend that were not used.
func (t *Tracker) Refund(cost int) {
	if cost <= 0 {
		return
	}
	t.mu.Lock()
	t.used -= cost
	if t.used < 0 {
		t.used = 0
	}
	t.mu.Unlock()
}

// Skip records an item of work that was not attempted for lack of budget.
func (t *Tracker) Skip(item string) {
	t.mu.Lock()
	t.skipped = append(t.skipped, item)
	t.mu.Unlock()
}

// Skipped returns a copy of the skipped items in the order they were recorded.
func (t *Tracker) Skipped() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.skipped))
	copy(out, t.skipped)
	return out
}

// Exhausted reports whether no units remain.
func (t *Tracker) Exhausted() bool {
	return t.Remaining() == 0
}

// Stats is a snapshot of a tracker.
type Stats struct {
	Used    int `json:"used"`
	Limit   int `json:"limit"`
	Skipped int `json:"skipped"`
}

// Stats returns a snapshot of the tracker.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Used: t.used, Limit: t.limit, Skipped: len(t.skipped)}
}

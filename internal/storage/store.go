package storage

import (
	"context"
	"time"

	"github.com/scan-engine/internal/models"
)

// ScheduleStore is the schedule surface the engine needs. Schedules are
// created and edited elsewhere; the engine only reads them and moves their
// run status.
type ScheduleStore interface {
	ListEnabled(ctx context.Context) ([]*models.Schedule, error)
	GetByID(ctx context.Context, id string) (*models.Schedule, error)
	// ClaimForRun marks the schedule running with last_run_at = now, but only
	// if it is not already running and last ran before now-cooldown.
	ClaimForRun(ctx context.Context, id string, now time.Time, cooldown time.Duration) (bool, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, message string) error
	// ResetStale flips schedules running since before now-staleAfter to error.
	ResetStale(ctx context.Context, now time.Time, staleAfter time.Duration, message string) (int64, error)
	GetGroup(ctx context.Context, tenantID, groupID string) (*models.AccountGroup, error)
	// MostRecentGroup returns nil, nil when the tenant has no groups.
	MostRecentGroup(ctx context.Context, tenantID string) (*models.AccountGroup, error)
	TouchGroup(ctx context.Context, groupID string, now time.Time) error
}

// LedgerStore holds balances and the append-only transaction log. Every
// balance mutation is a single conditional statement paired with its
// transaction row.
type LedgerStore interface {
	GetProfile(ctx context.Context, tenantID string) (*models.Profile, error)
	// Debit fails with ErrInsufficientBalance instead of going negative.
	Debit(ctx context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error)
	Credit(ctx context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error)
	// ClaimFreeScan takes the weekly free scan. Returns false if already used this week.
	ClaimFreeScan(ctx context.Context, tenantID string, now time.Time) (bool, error)
	ReleaseFreeScan(ctx context.Context, tenantID string, now time.Time) error
	ListTransactions(ctx context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error)
}

// IdempotencyStore records processed external events under a unique key.
type IdempotencyStore interface {
	// Insert returns false when eventID was already recorded.
	Insert(ctx context.Context, eventID, source string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// ResultStore persists completed scans.
type ResultStore interface {
	Save(ctx context.Context, result *models.ScanResult) error
}

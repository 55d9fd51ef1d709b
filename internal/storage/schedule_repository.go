package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/types"
)

// ScheduleRepository handles schedule and account group persistence
type ScheduleRepository struct {
	db *PostgresDB
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *PostgresDB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `
	id, tenant_id, time_of_day, timezone, days, window_days, accounts, group_id,
	enabled, model, selectivity, prompt, last_run_at, last_run_status,
	last_run_message, created_at, updated_at`

func scanSchedule(row pgx.Row) (*models.Schedule, error) {
	var s models.Schedule
	var window int
	var selectivity, status string

	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.TimeOfDay,
		&s.Timezone,
		&s.Days,
		&window,
		&s.Accounts,
		&s.GroupID,
		&s.Enabled,
		&s.Model,
		&selectivity,
		&s.Prompt,
		&s.LastRunAt,
		&status,
		&s.LastRunMessage,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Window = types.Window(window)
	s.Selectivity = types.Selectivity(selectivity)
	s.LastRunStatus = models.RunStatus(status)
	return &s, nil
}

// ListEnabled returns every enabled schedule
func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*models.Schedule, error) {
	query := `SELECT` + scheduleColumns + `
		FROM schedules
		WHERE enabled
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}

	return schedules, nil
}

// GetByID retrieves a schedule by ID
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	query := `SELECT` + scheduleColumns + `
		FROM schedules
		WHERE id = $1
	`

	s, err := scanSchedule(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// ClaimForRun atomically moves a schedule to running. Two ticks racing on
// the same schedule both issue this update; only one sees a row affected.
func (r *ScheduleRepository) ClaimForRun(ctx context.Context, id string, now time.Time, cooldown time.Duration) (bool, error) {
	query := `
		UPDATE schedules
		SET last_run_status = 'running',
		    last_run_at = $2,
		    last_run_message = '',
		    updated_at = $2
		WHERE id = $1
		  AND enabled
		  AND last_run_status <> 'running'
		  AND (last_run_at IS NULL OR last_run_at <= $3)
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, now, now.Add(-cooldown))
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateRunStatus records the outcome of a run
func (r *ScheduleRepository) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, message string) error {
	query := `
		UPDATE schedules
		SET last_run_status = $2,
		    last_run_message = $3,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, string(status), message)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetStale marks schedules stuck in running as failed
func (r *ScheduleRepository) ResetStale(ctx context.Context, now time.Time, staleAfter time.Duration, message string) (int64, error) {
	query := `
		UPDATE schedules
		SET last_run_status = 'error',
		    last_run_message = $2,
		    updated_at = $1
		WHERE last_run_status = 'running'
		  AND (last_run_at IS NULL OR last_run_at < $3)
	`

	tag, err := r.db.Pool().Exec(ctx, query, now, message, now.Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale schedules: %w", err)
	}
	return tag.RowsAffected(), nil
}

const groupColumns = `id, tenant_id, name, accounts, last_used_at, created_at`

func scanGroup(row pgx.Row) (*models.AccountGroup, error) {
	var g models.AccountGroup
	if err := row.Scan(&g.ID, &g.TenantID, &g.Name, &g.Accounts, &g.LastUsedAt, &g.CreatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGroup retrieves a tenant's account group
func (r *ScheduleRepository) GetGroup(ctx context.Context, tenantID, groupID string) (*models.AccountGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM account_groups WHERE id = $1 AND tenant_id = $2`

	g, err := scanGroup(r.db.Pool().QueryRow(ctx, query, groupID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

// MostRecentGroup returns the tenant's most recently used non-empty group
func (r *ScheduleRepository) MostRecentGroup(ctx context.Context, tenantID string) (*models.AccountGroup, error) {
	query := `SELECT ` + groupColumns + `
		FROM account_groups
		WHERE tenant_id = $1 AND cardinality(accounts) > 0
		ORDER BY last_used_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`

	g, err := scanGroup(r.db.Pool().QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get recent group: %w", err)
	}
	return g, nil
}

// TouchGroup bumps a group's last-used timestamp
func (r *ScheduleRepository) TouchGroup(ctx context.Context, groupID string, now time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE account_groups SET last_used_at = $2 WHERE id = $1`, groupID, now)
	if err != nil {
		return fmt.Errorf("failed to touch group: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
)

// IdempotencyRepository records processed external events
type IdempotencyRepository struct {
	db *PostgresDB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *PostgresDB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Insert claims eventID. The primary key makes the first writer win.
func (r *IdempotencyRepository) Insert(ctx context.Context, eventID, source string) (bool, error) {
	query := `
		INSERT INTO processed_events (event_id, source, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query, eventID, source)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete releases a claim so a redelivery can retry
func (r *IdempotencyRepository) Delete(ctx context.Context, eventID string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

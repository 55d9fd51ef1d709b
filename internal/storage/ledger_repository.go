package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/types"
)

// LedgerRepository handles tenant balances and credit transactions
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetProfile retrieves a tenant's profile
func (r *LedgerRepository) GetProfile(ctx context.Context, tenantID string) (*models.Profile, error) {
	query := `
		SELECT tenant_id, balance, subscription_status, free_scan_used_at, updated_at
		FROM profiles
		WHERE tenant_id = $1
	`

	var p models.Profile
	var status string
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&p.TenantID,
		&p.Balance,
		&status,
		&p.FreeScanUsedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", tenantID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.SubscriptionStatus = types.SubscriptionStatus(status)

	return &p, nil
}

// Debit subtracts amount with a conditional update so concurrent debits can
// never push the balance below zero.
func (r *LedgerRepository) Debit(ctx context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var out *models.CreditTransaction
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `
			UPDATE profiles
			SET balance = balance - $2, updated_at = now()
			WHERE tenant_id = $1 AND balance >= $2
			RETURNING balance
		`, tenantID, amount).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var exists bool
				if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM profiles WHERE tenant_id = $1)`, tenantID).Scan(&exists); err != nil {
					return fmt.Errorf("failed to check profile: %w", err)
				}
				if !exists {
					return fmt.Errorf("profile %s: %w", tenantID, ErrNotFound)
				}
				return ErrInsufficientBalance
			}
			return fmt.Errorf("failed to debit: %w", err)
		}

		out, err = insertTransaction(ctx, tx, tenantID, txType, -amount, balance, description, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Credit adds amount, creating the profile if needed
func (r *LedgerRepository) Credit(ctx context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var out *models.CreditTransaction
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `
			INSERT INTO profiles (tenant_id, balance, subscription_status, updated_at)
			VALUES ($1, $2, 'none', now())
			ON CONFLICT (tenant_id) DO UPDATE
			SET balance = profiles.balance + EXCLUDED.balance, updated_at = now()
			RETURNING balance
		`, tenantID, amount).Scan(&balance)
		if err != nil {
			return fmt.Errorf("failed to credit: %w", err)
		}

		out, err = insertTransaction(ctx, tx, tenantID, txType, amount, balance, description, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, tenantID string, txType models.TransactionType, amount, balanceAfter int64, description, reference string) (*models.CreditTransaction, error) {
	t := &models.CreditTransaction{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, type, amount, balance_after, description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.TenantID, string(t.Type), t.Amount, t.BalanceAfter, t.Description, t.Reference, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return t, nil
}

// ClaimFreeScan marks the weekly free scan used unless it already is
func (r *LedgerRepository) ClaimFreeScan(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	query := `
		INSERT INTO profiles (tenant_id, balance, subscription_status, free_scan_used_at, updated_at)
		VALUES ($1, 0, 'none', $2, $2)
		ON CONFLICT (tenant_id) DO UPDATE
		SET free_scan_used_at = EXCLUDED.free_scan_used_at, updated_at = EXCLUDED.updated_at
		WHERE profiles.free_scan_used_at IS NULL OR profiles.free_scan_used_at < $3
	`

	tag, err := r.db.Pool().Exec(ctx, query, tenantID, now.UTC(), types.WeekStart(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim free scan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseFreeScan gives back this week's free scan after a failed job
func (r *LedgerRepository) ReleaseFreeScan(ctx context.Context, tenantID string, now time.Time) error {
	query := `
		UPDATE profiles
		SET free_scan_used_at = NULL, updated_at = now()
		WHERE tenant_id = $1 AND free_scan_used_at >= $2
	`

	if _, err := r.db.Pool().Exec(ctx, query, tenantID, types.WeekStart(now)); err != nil {
		return fmt.Errorf("failed to release free scan: %w", err)
	}
	return nil
}

// ListTransactions returns the most recent transactions, newest first
func (r *LedgerRepository) ListTransactions(ctx context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, type, amount, balance_after, description, reference, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var txType string
		if err := rows.Scan(&t.ID, &t.TenantID, &txType, &t.Amount, &t.BalanceAfter, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Type = models.TransactionType(txType)
		out = append(out, &t)
	}
	return out, rows.Err()
}

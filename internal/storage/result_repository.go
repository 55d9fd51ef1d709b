package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scan-engine/internal/models"
)

// ResultRepository archives completed scans in ClickHouse
type ResultRepository struct {
	db *ClickHouseDB
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *ClickHouseDB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Save writes one scan result row
func (r *ResultRepository) Save(ctx context.Context, result *models.ScanResult) error {
	findings, err := json.Marshal(result.Findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO scan_results (
			job_id, schedule_id, tenant_id, window_days, model, findings, finding_count,
			item_count, account_count, skipped_accounts, failed_accounts, partial_accounts,
			failed_batches, skipped_batches, credits_charged, from_cache, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	var fromCache uint8
	if result.FromCache {
		fromCache = 1
	}

	err = batch.Append(
		result.JobID,
		result.ScheduleID,
		result.TenantID,
		uint16(result.Window), // #nosec G115 - window is 1, 7 or 30
		result.Model,
		string(findings),
		uint32(len(result.Findings)), // #nosec G115
		uint32(result.ItemCount),     // #nosec G115
		uint32(result.AccountCount),  // #nosec G115
		nonNil(result.SkippedAccounts),
		nonNil(result.FailedAccounts),
		nonNil(result.PartialAccounts),
		uint32(result.FailedBatches),  // #nosec G115
		uint32(result.SkippedBatches), // #nosec G115
		result.CreditsCharged,
		fromCache,
		result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}

	return batch.Send()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scan-engine/internal/analysis"
	"github.com/scan-engine/internal/budget"
	"github.com/scan-engine/internal/credits"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/storage"
)

// Finisher owns a job's terminal transitions: analyze, charge, persist and
// mark the schedule, or record the failure. Either way the job's transient
// state is removed.
type Finisher struct {
	jobs      *JobStore
	schedules storage.ScheduleStore
	ledger    *credits.Ledger
	analysis  *analysis.Service
	results   storage.ResultStore
	budget    int
	now       func() time.Time
}

// NewFinisher creates a finisher. invocationBudget bounds the outbound work
// of one finalization.
func NewFinisher(jobs *JobStore, schedules storage.ScheduleStore, ledger *credits.Ledger, svc *analysis.Service, results storage.ResultStore, invocationBudget int) *Finisher {
	return &Finisher{
		jobs:      jobs,
		schedules: schedules,
		ledger:    ledger,
		analysis:  svc,
		results:   results,
		budget:    invocationBudget,
		now:       time.Now,
	}
}

// recordedError wraps a failure Fail has already written to the schedule
type recordedError struct{ error }

func (e recordedError) Unwrap() error { return e.error }

// IsRecorded reports whether err was already recorded by the Finisher, in
// which case the caller must not call Fail again.
func IsRecorded(err error) bool {
	var r recordedError
	return errors.As(err, &r)
}

// merged is the union of every chunk of a job
type merged struct {
	items   []models.ContentItem
	failed  []string
	skipped []string
	partial []string
}

// merge flattens chunk results, dropping items seen in an earlier chunk
func merge(chunks []*models.ChunkResult) merged {
	var m merged
	seen := make(map[string]struct{})
	for _, c := range chunks {
		m.skipped = append(m.skipped, c.Skipped...)
		for _, acct := range c.Accounts {
			if acct.Error != "" {
				m.failed = append(m.failed, acct.Account)
			}
			if acct.Partial {
				m.partial = append(m.partial, acct.Account)
			}
			for _, it := range acct.Items {
				k := it.Key()
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				m.items = append(m.items, it)
			}
		}
	}
	return m
}

// Finish analyzes the merged chunks, charges the tenant and persists the
// result. The returned error is the terminal failure, already recorded on
// the schedule (IsRecorded reports true for it).
func (f *Finisher) Finish(ctx context.Context, job *models.ScanJob, chunks []*models.ChunkResult) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":      job.JobID,
		"scheduleId": job.ScheduleID,
		"tenantId":   job.TenantID,
	})
	ctx = logging.WithLogger(ctx, logger)

	m := merge(chunks)
	tracker := budget.NewTracker(f.budget)

	outcome, err := f.analysis.Run(ctx, job, m.items, tracker)
	if err != nil {
		f.Fail(ctx, job, err)
		return recordedError{err}
	}

	result := &models.ScanResult{
		JobID:           job.JobID,
		ScheduleID:      job.ScheduleID,
		TenantID:        job.TenantID,
		Window:          int(job.Window),
		Model:           job.Model,
		Findings:        outcome.Findings,
		ItemCount:       len(m.items),
		AccountCount:    len(job.Accounts),
		SkippedAccounts: m.skipped,
		FailedAccounts:  m.failed,
		PartialAccounts: m.partial,
		FailedBatches:   outcome.FailedBatches,
		SkippedBatches:  outcome.SkippedBatches,
		CreatedAt:       f.now().UTC(),
	}

	if err := f.charge(ctx, job, result); err != nil {
		return err
	}

	if complete(result) {
		key := ScanCacheKey(job.Accounts, job.Window, job.PromptHash)
		if err := f.jobs.CacheResult(ctx, key, result); err != nil {
			logger.WithError(err).Warn("Failed to cache scan result")
		}
	}

	logger.WithFields(map[string]interface{}{
		"items":          result.ItemCount,
		"findings":       len(result.Findings),
		"failedBatches":  result.FailedBatches,
		"skippedBatches": result.SkippedBatches,
		"charged":        result.CreditsCharged,
		"budget":         tracker.Stats(),
	}).Info("Scan finished")
	return nil
}

// FinishCached completes a job from a scan-cache hit without doing any
// fetch or analysis work.
func (f *Finisher) FinishCached(ctx context.Context, job *models.ScanJob, cached *models.ScanResult) error {
	result := *cached
	result.JobID = job.JobID
	result.ScheduleID = job.ScheduleID
	result.TenantID = job.TenantID
	result.FromCache = true
	result.CreatedAt = f.now().UTC()
	return f.charge(ctx, job, &result)
}

// charge debits the job's reservation, persists the result and marks the
// schedule. Any failure goes through Fail.
func (f *Finisher) charge(ctx context.Context, job *models.ScanJob, result *models.ScanResult) error {
	res := &credits.Reservation{TenantID: job.TenantID, Cost: job.CreditsNeeded, FreeTier: job.FreeTier}
	_, err := f.ledger.ChargeForResult(ctx, res, job.JobID, func(ctx context.Context, charged int64) error {
		result.CreditsCharged = charged
		if err := f.results.Save(ctx, result); err != nil {
			return apperrors.NewDatabaseError("save scan result", err)
		}
		return nil
	})
	if err != nil {
		f.Fail(ctx, job, err)
		return recordedError{err}
	}

	if err := f.schedules.UpdateRunStatus(ctx, job.ScheduleID, models.RunStatusSuccess, summary(result)); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to mark schedule success")
	}
	if !job.CreatedAt.IsZero() {
		metrics.JobDuration.Observe(f.now().Sub(job.CreatedAt).Seconds())
	}
	f.cleanup(ctx, job)
	return nil
}

// Fail marks the schedule error with a short message, gives back the free
// scan claim and removes the job's transient state. When cause is ctx ending
// and ctx carries its own cause, that cause is recorded instead.
func (f *Finisher) Fail(ctx context.Context, job *models.ScanJob, cause error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(cause, ctxErr) {
		if c := context.Cause(ctx); c != nil && c != ctxErr {
			cause = c
		}
	}
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":      job.JobID,
		"scheduleId": job.ScheduleID,
	})

	msg := apperrors.UserMessage(cause)
	logger.WithError(cause).WithField("message", msg).Warn("Scan failed")

	if err := f.schedules.UpdateRunStatus(ctx, job.ScheduleID, models.RunStatusError, msg); err != nil {
		logger.WithError(err).Error("Failed to mark schedule error")
	}
	if job.FreeTier {
		if err := f.ledger.ReleaseFreeScan(ctx, job.TenantID); err != nil {
			logger.WithError(err).Error("Failed to release free scan claim")
		}
	}
	f.cleanup(ctx, job)
}

func (f *Finisher) cleanup(ctx context.Context, job *models.ScanJob) {
	if err := f.jobs.Delete(context.WithoutCancel(ctx), job); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("jobId", job.JobID).Warn("Failed to clean up job state")
	}
}

func complete(r *models.ScanResult) bool {
	return r.FailedBatches == 0 && r.SkippedBatches == 0 &&
		len(r.SkippedAccounts) == 0 && len(r.FailedAccounts) == 0 && len(r.PartialAccounts) == 0
}

func summary(r *models.ScanResult) string {
	msg := fmt.Sprintf("%d findings from %d items", len(r.Findings), r.ItemCount)
	if r.FromCache {
		msg += " (cached)"
	}
	if n := len(r.SkippedAccounts); n > 0 {
		msg += fmt.Sprintf("; %d accounts skipped for budget", n)
	}
	if n := len(r.FailedAccounts); n > 0 {
		msg += fmt.Sprintf("; %d accounts failed", n)
	}
	if n := len(r.PartialAccounts); n > 0 {
		msg += fmt.Sprintf("; %d accounts partially fetched", n)
	}
	if r.SkippedBatches > 0 || r.FailedBatches > 0 {
		msg += fmt.Sprintf("; %d analysis batches incomplete", r.SkippedBatches+r.FailedBatches)
	}
	return msg
}

package scan

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/queue"
)

// InlineRunner runs a whole scan inside the caller's invocation instead of
// over the queue. The scan is bounded by deadline; on expiry the schedule is
// forced to error. Every failure is recorded on the schedule exactly once.
type InlineRunner struct {
	dispatcher *Dispatcher
	worker     *FetchWorker
	finisher   *Finisher
	deadline   time.Duration
}

// NewInlineRunner creates an inline runner
func NewInlineRunner(dispatcher *Dispatcher, worker *FetchWorker, finisher *Finisher, deadline time.Duration) *InlineRunner {
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	return &InlineRunner{dispatcher: dispatcher, worker: worker, finisher: finisher, deadline: deadline}
}

// Dispatch runs the schedule's scan to completion
func (r *InlineRunner) Dispatch(ctx context.Context, s *models.Schedule) error {
	ctx, cancel := context.WithTimeoutCause(ctx, r.deadline, apperrors.NewDeadlineExceededError("", r.deadline, nil))
	defer cancel()

	p, err := r.dispatcher.prepare(ctx, s)
	if err != nil {
		metrics.JobsDispatched.WithLabelValues("rejected").Inc()
		return err
	}
	job := p.job
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":      job.JobID,
		"scheduleId": s.ID,
		"tenantId":   s.TenantID,
	})
	ctx = logging.WithLogger(ctx, logger)

	if p.cached != nil {
		metrics.JobsDispatched.WithLabelValues("cache_hit").Inc()
		_ = r.finisher.FinishCached(ctx, job, p.cached)
		return nil
	}
	metrics.JobsDispatched.WithLabelValues("inline").Inc()

	if err := r.run(ctx, p); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = apperrors.NewDeadlineExceededError(job.JobID, r.deadline, err)
		}
		if !IsRecorded(err) {
			r.finisher.Fail(ctx, job, err)
		}
		return err
	}
	return nil
}

func (r *InlineRunner) run(ctx context.Context, p *prepared) error {
	job := p.job
	if err := r.dispatcher.jobs.SaveJob(ctx, job); err != nil {
		return err
	}

	for i, accounts := range p.chunks {
		msg := &queue.FetchChunk{JobID: job.JobID, ChunkIndex: i, Accounts: accounts, Window: job.Window}
		if err := r.worker.Handle(ctx, msg); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	chunks, err := r.dispatcher.jobs.LoadChunks(ctx, job.JobID, job.TotalChunks)
	if err != nil {
		return err
	}

	// Finish records its own failure; the error only tells Dispatch whether
	// the deadline was hit.
	if err := r.finisher.Finish(ctx, job, chunks); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

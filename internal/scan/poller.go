package scan

import (
	"context"
	"time"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/queue"
)

// PollerConfig configures the convergence poller
type PollerConfig struct {
	AnalyzeQueue string
	PollDelay    time.Duration
	MaxAttempts  int
}

// Poller checks whether every chunk of a job has been written. It never
// waits: an incomplete job is re-enqueued with attempt+1 until MaxAttempts.
type Poller struct {
	jobs     *JobStore
	sender   Sender
	finisher *Finisher
	cfg      PollerConfig
}

// NewPoller creates a poller
func NewPoller(jobs *JobStore, sender Sender, finisher *Finisher, cfg PollerConfig) *Poller {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &Poller{jobs: jobs, sender: sender, finisher: finisher, cfg: cfg}
}

// Handle processes one analyze message
func (p *Poller) Handle(ctx context.Context, msg *queue.Analyze) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":   msg.JobID,
		"attempt": msg.Attempt,
	})
	ctx = logging.WithLogger(ctx, logger)

	job, err := p.jobs.LoadJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		metrics.ConvergencePolls.WithLabelValues("cancelled").Inc()
		logger.Debug("Job gone, stopping poll")
		return nil
	}

	missing, err := p.jobs.MissingChunks(ctx, job.JobID, job.TotalChunks)
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		if msg.Attempt < p.cfg.MaxAttempts {
			next := queue.NewAnalyzeMessage(job.JobID, msg.Attempt+1)
			if err := p.sender.Send(ctx, p.cfg.AnalyzeQueue, next, p.cfg.PollDelay); err != nil {
				return apperrors.NewCacheError("re-enqueue analyze message", err)
			}
			metrics.ConvergencePolls.WithLabelValues("incomplete").Inc()
			logger.WithFields(map[string]interface{}{
				"missing": len(missing),
				"total":   job.TotalChunks,
			}).Debug("Chunks outstanding, polling again")
			return nil
		}

		// Giving up is a terminal transition too; a duplicate chain may be
		// finalizing this job right now.
		if acquired, err := p.acquire(ctx, job.JobID); err != nil || !acquired {
			return err
		}
		metrics.ConvergencePolls.WithLabelValues("gave_up").Inc()
		present := job.TotalChunks - len(missing)
		p.finisher.Fail(ctx, job, apperrors.NewConvergenceTimeoutError(job.JobID, present, job.TotalChunks, msg.Attempt))
		return nil
	}

	if acquired, err := p.acquire(ctx, job.JobID); err != nil || !acquired {
		return err
	}
	metrics.ConvergencePolls.WithLabelValues("complete").Inc()

	chunks, err := p.jobs.LoadChunks(ctx, job.JobID, job.TotalChunks)
	if err != nil {
		p.finisher.Fail(ctx, job, err)
		return nil
	}

	// Terminal outcomes are recorded on the schedule; redelivery would not help.
	_ = p.finisher.Finish(ctx, job, chunks)
	return nil
}

// acquire takes the job's finalize lock, reporting false when another
// delivery already holds it.
func (p *Poller) acquire(ctx context.Context, jobID string) (bool, error) {
	acquired, err := p.jobs.AcquireFinalize(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !acquired {
		metrics.ConvergencePolls.WithLabelValues("duplicate").Inc()
		logging.FromContext(ctx).Info("Job already being finalized, skipping duplicate")
	}
	return acquired, nil
}

package scan

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scan-engine/internal/credits"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/storage"
	"github.com/scan-engine/internal/types"
)

// Sender is the queue surface the dispatcher and poller publish to
type Sender interface {
	Send(ctx context.Context, queueName string, msg *queue.Message, delay time.Duration) error
	SendBatch(ctx context.Context, queueName string, msgs []*queue.Message) error
}

// DispatcherConfig configures chunking and queue routing
type DispatcherConfig struct {
	FetchQueue         string
	AnalyzeQueue       string
	ChunkSize          int
	InitialDelayPer    time.Duration
	InitialDelayMin    time.Duration
	InitialDelayMax    time.Duration
	DefaultModel       string
	DefaultSelectivity types.Selectivity
}

// Dispatcher turns a claimed schedule into a job: it resolves accounts,
// reserves credits, and either finishes from the scan cache or fans the job
// out as fetch messages followed by one delayed analyze message.
type Dispatcher struct {
	schedules storage.ScheduleStore
	ledger    *credits.Ledger
	jobs      *JobStore
	sender    Sender
	finisher  *Finisher
	cfg       DispatcherConfig
	now       func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(schedules storage.ScheduleStore, ledger *credits.Ledger, jobs *JobStore, sender Sender, finisher *Finisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 30
	}
	if cfg.DefaultSelectivity == "" {
		cfg.DefaultSelectivity = types.SelectivityBalanced
	}
	return &Dispatcher{
		schedules: schedules,
		ledger:    ledger,
		jobs:      jobs,
		sender:    sender,
		finisher:  finisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ResolveAccounts walks the fallback chain: the schedule's own list, its
// referenced group, then the tenant's most recently used group. Accounts are
// deduplicated case-insensitively in first-seen order.
func ResolveAccounts(ctx context.Context, store storage.ScheduleStore, s *models.Schedule, now time.Time) ([]string, error) {
	if accounts := normalize(s.Accounts); len(accounts) > 0 {
		return accounts, nil
	}

	logger := logging.FromContext(ctx)
	if s.GroupID != nil && *s.GroupID != "" {
		g, err := store.GetGroup(ctx, s.TenantID, *s.GroupID)
		switch {
		case err == nil:
			if accounts := normalize(g.Accounts); len(accounts) > 0 {
				touch(ctx, store, g.ID, now)
				return accounts, nil
			}
		case errors.Is(err, storage.ErrNotFound):
			logger.WithField("groupId", *s.GroupID).Warn("Referenced account group not found, falling back")
		default:
			return nil, apperrors.NewDatabaseError("get account group", err)
		}
	}

	g, err := store.MostRecentGroup(ctx, s.TenantID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find recent account group", err)
	}
	if g != nil {
		if accounts := normalize(g.Accounts); len(accounts) > 0 {
			touch(ctx, store, g.ID, now)
			return accounts, nil
		}
	}
	return nil, apperrors.NewNoAccountsError(s.ID)
}

func touch(ctx context.Context, store storage.ScheduleStore, groupID string, now time.Time) {
	if err := store.TouchGroup(ctx, groupID, now); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("groupId", groupID).Warn("Failed to touch account group")
	}
}

func normalize(accounts []string) []string {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		a = strings.TrimSpace(a)
		k := strings.ToLower(a)
		if a == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}

// InitialDelay is how long the first analyze message waits:
// chunks × per, clamped to [min, max].
func InitialDelay(chunks int, per, minDelay, maxDelay time.Duration) time.Duration {
	d := time.Duration(chunks) * per
	if d < minDelay {
		d = minDelay
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// prepared is a reserved job ready to run, or a cache hit
type prepared struct {
	job    *models.ScanJob
	chunks [][]string
	cached *models.ScanResult
}

// prepare resolves, reserves and builds the job. When it returns an error
// nothing is reserved.
func (d *Dispatcher) prepare(ctx context.Context, s *models.Schedule) (*prepared, error) {
	now := d.now()
	accounts, err := ResolveAccounts(ctx, d.schedules, s, now)
	if err != nil {
		return nil, err
	}

	cost := d.ledger.EstimateCost(len(accounts))
	res, err := d.ledger.Reserve(ctx, s.TenantID, cost, len(accounts))
	if err != nil {
		return nil, err
	}

	model := s.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}
	selectivity := s.Selectivity
	if selectivity == "" {
		selectivity = d.cfg.DefaultSelectivity
	}
	window := s.Window
	if !window.Valid() {
		window = types.WindowDay
	}

	chunks := Partition(accounts, d.cfg.ChunkSize)
	job := &models.ScanJob{
		JobID:         uuid.NewString(),
		ScheduleID:    s.ID,
		TenantID:      s.TenantID,
		Accounts:      accounts,
		Window:        window,
		Model:         model,
		Selectivity:   selectivity,
		Prompt:        s.Prompt,
		PromptHash:    PromptHash(s.Prompt, model),
		TotalChunks:   len(chunks),
		CreditsNeeded: res.Cost,
		FreeTier:      res.FreeTier,
		CreatedAt:     now.UTC(),
	}
	if res.FreeTier {
		job.CreditsNeeded = 0
	}

	p := &prepared{job: job, chunks: chunks}
	cached, err := d.jobs.LoadCachedResult(ctx, ScanCacheKey(accounts, window, job.PromptHash))
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Scan cache read failed, running the scan")
	} else {
		p.cached = cached
	}
	return p, nil
}

// Dispatch starts a scan for a claimed schedule
func (d *Dispatcher) Dispatch(ctx context.Context, s *models.Schedule) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"scheduleId": s.ID,
		"tenantId":   s.TenantID,
	})
	ctx = logging.WithLogger(ctx, logger)

	p, err := d.prepare(ctx, s)
	if err != nil {
		outcome := "failed"
		if apperrors.Is(err, apperrors.CategoryFinancial) || apperrors.Is(err, apperrors.CategoryValidation) {
			outcome = "rejected"
		}
		metrics.JobsDispatched.WithLabelValues(outcome).Inc()
		return err
	}
	job := p.job
	logger = logger.WithField("jobId", job.JobID)
	ctx = logging.WithLogger(ctx, logger)

	if p.cached != nil {
		metrics.JobsDispatched.WithLabelValues("cache_hit").Inc()
		logger.Info("Scan cache hit, finishing without fetch")
		// Finisher records its own failures on the schedule.
		_ = d.finisher.FinishCached(ctx, job, p.cached)
		return nil
	}

	if err := d.enqueue(ctx, p); err != nil {
		metrics.JobsDispatched.WithLabelValues("failed").Inc()
		d.release(ctx, job)
		return err
	}

	metrics.JobsDispatched.WithLabelValues("queued").Inc()
	logger.WithFields(map[string]interface{}{
		"accounts": len(job.Accounts),
		"chunks":   job.TotalChunks,
		"credits":  job.CreditsNeeded,
		"freeTier": job.FreeTier,
	}).Info("Scan dispatched")
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, p *prepared) error {
	job := p.job
	if err := d.jobs.SaveJob(ctx, job); err != nil {
		return err
	}

	msgs := make([]*queue.Message, len(p.chunks))
	for i, chunk := range p.chunks {
		msgs[i] = queue.NewFetchChunkMessage(job.JobID, i, chunk, job.Window)
	}
	if err := d.sender.SendBatch(ctx, d.cfg.FetchQueue, msgs); err != nil {
		return apperrors.NewCacheError("send fetch messages", err)
	}

	delay := InitialDelay(len(p.chunks), d.cfg.InitialDelayPer, d.cfg.InitialDelayMin, d.cfg.InitialDelayMax)
	if err := d.sender.Send(ctx, d.cfg.AnalyzeQueue, queue.NewAnalyzeMessage(job.JobID, 1), delay); err != nil {
		return apperrors.NewCacheError("send analyze message", err)
	}
	return nil
}

// release undoes a dispatch that could not be queued. Fetch messages that
// did go out find no job and do nothing.
func (d *Dispatcher) release(ctx context.Context, job *models.ScanJob) {
	ctx = context.WithoutCancel(ctx)
	if job.FreeTier {
		if err := d.ledger.ReleaseFreeScan(ctx, job.TenantID); err != nil {
			logging.FromContext(ctx).WithError(err).Error("Failed to release free scan claim")
		}
	}
	if err := d.jobs.Delete(ctx, job); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to delete job after dispatch failure")
	}
}

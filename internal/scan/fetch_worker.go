package scan

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scan-engine/internal/budget"
	"github.com/scan-engine/internal/content"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/types"
)

// FetchWorkerConfig configures a FetchWorker
type FetchWorkerConfig struct {
	InvocationBudget int
	Concurrency      int
	DrainTimeout     time.Duration
}

// FetchWorker fetches one chunk of accounts and writes its ChunkResult
type FetchWorker struct {
	jobs  *JobStore
	cache *content.Cache
	costs *budget.CostRegistry
	cfg   FetchWorkerConfig
	now   func() time.Time
}

// NewFetchWorker creates a fetch worker
func NewFetchWorker(jobs *JobStore, cache *content.Cache, costs *budget.CostRegistry, cfg FetchWorkerConfig) *FetchWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if costs == nil {
		costs = budget.NewCostRegistry(nil)
	}
	return &FetchWorker{jobs: jobs, cache: cache, costs: costs, cfg: cfg, now: time.Now}
}

// Handle processes one fetch message. A job that no longer exists was
// cancelled or finished, so the message is dropped.
//
// Each account reserves its worst-case cost, retries included, from the
// invocation budget before it starts. Accounts that cannot be covered, or
// whose first page still found the budget dry, are recorded as skipped
// rather than failing the chunk. Accounts cut short after the first page
// keep their items and are flagged partial. Unused reservations are
// returned once the chunk and any background refreshes are done.
func (w *FetchWorker) Handle(ctx context.Context, msg *queue.FetchChunk) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId": msg.JobID,
		"chunk": msg.ChunkIndex,
	})
	ctx = logging.WithLogger(ctx, logger)

	job, err := w.jobs.LoadJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		logger.Debug("Job gone, dropping fetch message")
		return nil
	}

	window := msg.Window
	if !window.Valid() {
		window = job.Window
	}

	tracker := budget.NewTracker(w.cfg.InvocationBudget)
	// The chunk write must always happen or the job never converges.
	tracker.Spend(w.costs.GetCost(budget.OpStoreWrite))

	perAccount := w.cache.AccountCost()
	results := make([]*models.AccountResult, len(msg.Accounts))
	subs := make([]*budget.Tracker, len(msg.Accounts))
	skipped := make([]bool, len(msg.Accounts))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, account := range msg.Accounts {
		if !tracker.TrySpend(perAccount) {
			skipped[i] = true
			metrics.AccountsFetched.WithLabelValues("skipped").Inc()
			continue
		}
		sub := budget.NewTracker(perAccount)
		subs[i] = sub
		g.Go(func() error {
			results[i], skipped[i] = w.fetchAccount(ctx, account, window, sub)
			return nil
		})
	}
	_ = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	if !w.cache.Drain(drainCtx) {
		logger.Warn("Background content refreshes still running at chunk end")
	}
	cancel()
	for _, sub := range subs {
		if sub != nil {
			tracker.Refund(perAccount - sub.Used())
		}
	}
	for i, skip := range skipped {
		if skip {
			tracker.Skip(msg.Accounts[i])
		}
	}

	chunk := &models.ChunkResult{
		JobID:      msg.JobID,
		ChunkIndex: msg.ChunkIndex,
		Skipped:    tracker.Skipped(),
		CreatedAt:  w.now().UTC(),
	}
	partial := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		chunk.Accounts = append(chunk.Accounts, *r)
		chunk.ItemCount += len(r.Items)
		if r.Partial {
			partial++
		}
	}

	if err := w.jobs.SaveChunk(ctx, chunk); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"accounts": len(chunk.Accounts),
		"partial":  partial,
		"skipped":  len(chunk.Skipped),
		"items":    chunk.ItemCount,
		"budget":   tracker.Stats(),
	}).Info("Chunk fetched")
	return nil
}

// fetchAccount returns the account's result, or skip=true when the budget
// ran out before anything was fetched.
func (w *FetchWorker) fetchAccount(ctx context.Context, account string, window types.Window, tracker *budget.Tracker) (*models.AccountResult, bool) {
	logger := logging.FromContext(ctx).WithField("account", account)
	res, err := w.cache.Get(ctx, account, window, tracker)
	if err != nil {
		if apperrors.Is(err, apperrors.CategoryBudget) {
			metrics.AccountsFetched.WithLabelValues("skipped").Inc()
			logger.WithField("budget", tracker.Stats()).Warn("Account budget spent before first page")
			return nil, true
		}
		metrics.AccountsFetched.WithLabelValues("error").Inc()
		logger.WithError(err).Warn("Account fetch failed")
		msg := apperrors.UserMessage(err)
		if msg == "" {
			msg = "fetch failed"
		}
		return &models.AccountResult{Account: account, Items: []models.ContentItem{}, Error: msg}, false
	}

	items := res.Items
	if items == nil {
		items = []models.ContentItem{}
	}
	if res.Partial {
		metrics.AccountsFetched.WithLabelValues("partial").Inc()
		logger.WithField("items", len(items)).Warn("Account fetch cut short by budget")
		return &models.AccountResult{Account: account, Items: items, Partial: true}, false
	}
	metrics.AccountsFetched.WithLabelValues("ok").Inc()
	return &models.AccountResult{Account: account, Items: items}, false
}

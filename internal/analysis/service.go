package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/scan-engine/internal/budget"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/retry"
)

// KV is the shared store behind the per-item analysis cache
type KV interface {
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	SetJSONMany(ctx context.Context, entries map[string]interface{}, ttl time.Duration) error
}

// Config configures the analysis Service
type Config struct {
	MaxBatchBytes int
	CacheTTL      time.Duration
	Policy        retry.Policy
}

// Outcome is the merged result of every batch of one job
type Outcome struct {
	Findings       []models.Finding
	Batches        int
	FailedBatches  int
	SkippedBatches int
	CachedItems    int
}

// Service runs a job's items through the analysis provider in batches
type Service struct {
	analyzer Analyzer
	kv       KV
	costs    *budget.CostRegistry
	cfg      Config
}

// NewService creates an analysis service. kv may be nil to disable caching.
func NewService(analyzer Analyzer, kv KV, costs *budget.CostRegistry, cfg Config) *Service {
	if costs == nil {
		costs = budget.NewCostRegistry(nil)
	}
	cfg.Policy.Retryable = apperrors.IsRetryable
	return &Service{analyzer: analyzer, kv: kv, costs: costs, cfg: cfg}
}

// ItemCacheKey is the analysis cache key for one item under a prompt hash
func ItemCacheKey(promptHash string, it models.ContentItem) string {
	sum := sha256.Sum256([]byte(it.Key()))
	return "analysis:" + promptHash + ":" + hex.EncodeToString(sum[:12])
}

// Run analyzes items for job. A permanent provider error aborts with that
// error. Batches that fail after retries or return unparsable output are
// counted and skipped; batches that no longer fit the budget are counted as
// skipped. Neither is an error.
func (s *Service) Run(ctx context.Context, job *models.ScanJob, items []models.ContentItem, tracker *budget.Tracker) (*Outcome, error) {
	logger := logging.FromContext(ctx).WithField("jobId", job.JobID)
	out := &Outcome{}

	pending, cached := s.lookup(ctx, job.PromptHash, items, tracker)
	out.CachedItems = len(items) - len(pending)
	findings := cached

	batches := Pack(pending, s.cfg.MaxBatchBytes)
	out.Batches = len(batches)
	callCost := s.costs.GetCost(budget.OpAnalysisCall)

	skipRest := func(i int) {
		out.SkippedBatches = len(batches) - i
		metrics.AnalysisBatches.WithLabelValues("skipped").Add(float64(out.SkippedBatches))
		logger.WithFields(map[string]interface{}{
			"skipped": out.SkippedBatches,
			"budget":  tracker.Stats(),
		}).Warn("Budget exhausted, skipping remaining analysis batches")
	}

	for i, batch := range batches {
		if !tracker.CanAfford(callCost) {
			skipRest(i)
			break
		}

		req := &Request{Model: job.Model, Selectivity: job.Selectivity, Prompt: job.Prompt, Items: batch}
		var raw string
		res := retry.Do(ctx, s.cfg.Policy, func(ctx context.Context, attempt int) error {
			if !tracker.TrySpend(callCost) {
				return apperrors.NewBudgetExhaustedError(tracker.Used(), tracker.Limit())
			}
			r, err := s.analyzer.Analyze(ctx, req)
			raw = r
			return err
		})

		if !res.Success {
			if apperrors.IsPermanent(res.LastError) {
				metrics.AnalysisBatches.WithLabelValues("aborted").Inc()
				return nil, res.LastError
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Retries ran the budget dry mid-batch: this batch and the rest
			// were never answered, so they are skipped rather than failed.
			if apperrors.Is(res.LastError, apperrors.CategoryBudget) {
				skipRest(i)
				break
			}
			out.FailedBatches++
			metrics.AnalysisBatches.WithLabelValues("failed").Inc()
			logger.WithError(res.LastError).WithFields(map[string]interface{}{
				"batch":    i,
				"attempts": res.Attempts,
			}).Warn("Analysis batch failed")
			continue
		}

		parsed, err := ParseFindings(raw)
		if err != nil {
			out.FailedBatches++
			metrics.AnalysisBatches.WithLabelValues("unparsable").Inc()
			logger.WithError(err).WithField("batch", i).Warn("Discarding unparsable analysis output")
			continue
		}

		metrics.AnalysisBatches.WithLabelValues("ok").Inc()
		findings = append(findings, parsed...)
		s.store(ctx, job.PromptHash, batch, parsed, tracker)
	}

	out.Findings = Dedupe(findings)
	return out, nil
}

// lookup splits items into those still to analyze and the findings cached
// for the rest.
func (s *Service) lookup(ctx context.Context, promptHash string, items []models.ContentItem, tracker *budget.Tracker) ([]models.ContentItem, []models.Finding) {
	if s.kv == nil || len(items) == 0 || !tracker.TrySpend(s.costs.GetCost(budget.OpCacheRead)) {
		return items, nil
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = ItemCacheKey(promptHash, it)
	}
	vals, err := s.kv.MGet(ctx, keys)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Analysis cache read failed")
		return items, nil
	}

	var (
		pending  []models.ContentItem
		findings []models.Finding
	)
	for i, it := range items {
		if vals[i] == nil {
			pending = append(pending, it)
			continue
		}
		var cached []models.Finding
		if err := json.Unmarshal(vals[i], &cached); err != nil {
			pending = append(pending, it)
			continue
		}
		findings = append(findings, cached...)
	}
	return pending, findings
}

// store caches each item's findings, matched by source URL. Items with no
// finding are cached as analyzed-and-empty.
func (s *Service) store(ctx context.Context, promptHash string, batch []models.ContentItem, findings []models.Finding, tracker *budget.Tracker) {
	if s.kv == nil || !tracker.TrySpend(s.costs.GetCost(budget.OpCacheWrite)) {
		return
	}

	byURL := make(map[string][]models.Finding)
	for _, f := range findings {
		u := strings.ToLower(strings.TrimSpace(f.SourceURL))
		byURL[u] = append(byURL[u], f)
	}

	entries := make(map[string]interface{}, len(batch))
	for _, it := range batch {
		matched := byURL[strings.ToLower(strings.TrimSpace(it.URL))]
		if matched == nil {
			matched = []models.Finding{}
		}
		entries[ItemCacheKey(promptHash, it)] = matched
	}
	if err := s.kv.SetJSONMany(ctx, entries, s.cfg.CacheTTL); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Analysis cache write failed")
	}
}

// Package app wires configuration into the engine's stores, queues and
// services. Every binary under cmd builds one App and uses the parts it needs.
package app

import (
	"context"
	"fmt"

	"github.com/scan-engine/internal/analysis"
	"github.com/scan-engine/internal/budget"
	"github.com/scan-engine/internal/circuitbreaker"
	"github.com/scan-engine/internal/config"
	"github.com/scan-engine/internal/content"
	"github.com/scan-engine/internal/credits"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/idempotency"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/payments"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/ratelimit"
	"github.com/scan-engine/internal/retry"
	"github.com/scan-engine/internal/scan"
	"github.com/scan-engine/internal/scheduler"
	"github.com/scan-engine/internal/storage"
	"github.com/scan-engine/internal/types"
)

// App holds every long-lived component of one process
type App struct {
	Config *config.Config

	Redis      *storage.RedisCache
	Postgres   *storage.PostgresDB
	ClickHouse *storage.ClickHouseDB

	Schedules   storage.ScheduleStore
	LedgerStore storage.LedgerStore
	Results     storage.ResultStore

	Breakers *circuitbreaker.Registry
	Costs    *budget.CostRegistry
	Queue    *queue.RedisQueue
	Ledger   *credits.Ledger
	Payments *payments.Service

	Jobs        *scan.JobStore
	Finisher    *scan.Finisher
	Dispatcher  *scan.Dispatcher
	FetchWorker *scan.FetchWorker
	Poller      *scan.Poller
	Inline      *scan.InlineRunner
}

// New connects to the configured backends and builds the component graph.
// The caller owns the returned App and must Close it.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Breakers: circuitbreaker.NewRegistry()}

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = redis

	if err := a.openStores(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores() error {
	cfg := a.Config

	switch cfg.Database.Backend {
	case "memory":
		logging.Warn("Using in-memory schedule and ledger stores; state is lost on exit and not shared between processes")
		a.Schedules = storage.NewMemoryScheduleStore()
		a.LedgerStore = storage.NewMemoryLedgerStore()
	default:
		pg, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.Postgres = pg
		a.Schedules = storage.NewScheduleRepository(pg)
		a.LedgerStore = storage.NewLedgerRepository(pg)
	}

	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		a.ClickHouse = ch
		a.Results = storage.NewResultRepository(ch)
	} else {
		logging.Warn("ClickHouse disabled; scan results are kept in memory")
		a.Results = storage.NewMemoryResultStore()
	}
	return nil
}

func (a *App) idempotencyStore() storage.IdempotencyStore {
	if a.Postgres == nil {
		return storage.NewMemoryIdempotencyStore()
	}
	return storage.NewIdempotencyRepository(a.Postgres)
}

func (a *App) build() error {
	cfg := a.Config

	a.Costs = budget.NewCostRegistry(nil)
	a.Queue = queue.NewRedisQueue(a.Redis.Client(), queue.Config{
		MaxBatchSize:  cfg.Queue.MaxBatchSize,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	})
	a.Ledger = credits.NewLedger(a.LedgerStore, credits.Pricing{
		BaseCost:             cfg.Credits.BaseCost,
		PerAccountCost:       cfg.Credits.PerAccountCost,
		FreeTierEnabled:      cfg.Credits.FreeTierEnabled,
		FreeTierAccountLimit: cfg.Credits.FreeTierAccountLimit,
	})

	var sessions payments.SessionLookup
	if cfg.Payments.APIURL != "" {
		sessions = payments.NewHTTPSessionLookup(cfg.Payments.APIURL, cfg.Payments.APIKey, cfg.Server.WriteTimeout)
	}
	a.Payments = payments.NewService(a.Ledger, idempotency.NewGuard(a.idempotencyStore()), sessions, payments.Config{
		WebhookSecret:  cfg.Payments.WebhookSecret,
		Tolerance:      cfg.Payments.SignatureMaxAge,
		CreditsPerUnit: cfg.Payments.CreditsPerUnit,
	})

	fetchPolicy := retry.DefaultPolicy()
	fetchPolicy.MaxAttempts = cfg.Fetch.MaxAttempts
	fetchPolicy.Retryable = apperrors.IsRetryable
	source := content.NewHTTPSource(cfg.Fetch.BaseURL, cfg.Fetch.APIKey, cfg.Fetch.RequestsPerSec, cfg.Fetch.Timeout)
	if cfg.Fetch.QuotaTotal > 0 {
		quota, err := ratelimit.NewQuota(a.Redis.Client(), ratelimit.Config{
			Provider:   "content",
			Total:      cfg.Fetch.QuotaTotal,
			Reserved:   cfg.Fetch.QuotaReserved,
			WindowSize: cfg.Fetch.QuotaWindow,
		})
		if err != nil {
			return err
		}
		source.WithQuota(quota)
	}
	fetcher := content.NewFetcher(source, fetchPolicy, cfg.Fetch.MaxPages, a.Costs)
	contentCache := content.NewCache(a.Redis, fetcher, a.Costs, content.CacheConfig{
		BucketSize:      cfg.Fetch.BucketSize,
		TTL:             cfg.Fetch.CacheTTL,
		InflightTimeout: cfg.Fetch.InflightTimeout,
	})

	breakerCfg := circuitbreaker.DefaultConfig("analysis")
	breakerCfg.IsFailure = apperrors.IsRetryable
	analyzer := analysis.NewHTTPAnalyzer(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Timeout, a.Breakers.GetOrCreate(breakerCfg))
	analysisSvc := analysis.NewService(analyzer, a.Redis, a.Costs, analysis.Config{
		MaxBatchBytes: cfg.Analysis.MaxBatchBytes,
		CacheTTL:      cfg.Scan.AnalysisCacheTTL,
		Policy: retry.Policy{
			MaxAttempts:  cfg.Analysis.MaxAttempts,
			InitialDelay: cfg.Analysis.InitialBackoff,
			MaxDelay:     cfg.Analysis.MaxBackoff,
			Multiplier:   2,
			Jitter:       0.2,
			Retryable:    apperrors.IsRetryable,
		},
	})

	a.Jobs = scan.NewJobStore(a.Redis, scan.StoreConfig{
		JobTTL:          cfg.Scan.JobTTL,
		ChunkTTL:        cfg.Scan.ChunkTTL,
		FinalizeLockTTL: cfg.Scan.FinalizeLockTTL,
		ScanCacheTTL:    cfg.Scan.ScanCacheTTL,
	})
	a.Finisher = scan.NewFinisher(a.Jobs, a.Schedules, a.Ledger, analysisSvc, a.Results, cfg.Scan.InvocationBudget)
	a.Dispatcher = scan.NewDispatcher(a.Schedules, a.Ledger, a.Jobs, a.Queue, a.Finisher, scan.DispatcherConfig{
		FetchQueue:         cfg.Queue.FetchQueue,
		AnalyzeQueue:       cfg.Queue.AnalyzeQueue,
		ChunkSize:          cfg.Scan.ChunkSize,
		InitialDelayPer:    cfg.Scan.InitialDelayPer,
		InitialDelayMin:    cfg.Scan.InitialDelayMin,
		InitialDelayMax:    cfg.Scan.InitialDelayMax,
		DefaultModel:       cfg.Scan.DefaultModel,
		DefaultSelectivity: types.Selectivity(cfg.Scan.DefaultSelectivity),
	})
	if need := a.Costs.GetCost(budget.OpStoreWrite) + cfg.Scan.ChunkSize*contentCache.AccountCost(); need > cfg.Scan.InvocationBudget {
		logging.WithFields(map[string]interface{}{
			"budget":    cfg.Scan.InvocationBudget,
			"fullChunk": need,
		}).Warn("Invocation budget cannot cover a full chunk; some accounts will be skipped")
	}
	a.FetchWorker = scan.NewFetchWorker(a.Jobs, contentCache, a.Costs, scan.FetchWorkerConfig{
		InvocationBudget: cfg.Scan.InvocationBudget,
		Concurrency:      cfg.Scan.FetchConcurrency,
	})
	a.Poller = scan.NewPoller(a.Jobs, a.Queue, a.Finisher, scan.PollerConfig{
		AnalyzeQueue: cfg.Queue.AnalyzeQueue,
		PollDelay:    cfg.Scan.PollDelay,
		MaxAttempts:  cfg.Scan.MaxPollAttempts,
	})
	a.Inline = scan.NewInlineRunner(a.Dispatcher, a.FetchWorker, a.Finisher, cfg.Scan.InlineDeadline)
	return nil
}

// ScheduleDispatcher returns the dispatcher the selector fires into,
// according to SCAN_MODE.
func (a *App) ScheduleDispatcher() scheduler.Dispatcher {
	if a.Config.Scan.Mode == "inline" {
		return a.Inline
	}
	return a.Dispatcher
}

// HealthChecks returns a ping per connected backend
func (a *App) HealthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"redis": a.Redis.Ping,
	}
	if a.Postgres != nil {
		checks["postgres"] = a.Postgres.Ping
	}
	if a.ClickHouse != nil {
		checks["clickhouse"] = a.ClickHouse.Ping
	}
	return checks
}

// Close releases every connection that was opened
func (a *App) Close() {
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Error closing Redis connection")
		}
	}
}

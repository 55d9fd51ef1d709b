package content

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scan-engine/internal/budget"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/ratelimit"
	"github.com/scan-engine/internal/types"
)

// KV is the shared TTL store the cache reads and writes
type KV interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Source tells where a Get result came from
type Source string

const (
	SourceFresh    Source = "fresh"
	SourceStale    Source = "stale"
	SourceInflight Source = "inflight"
	SourceUpstream Source = "upstream"
)

// Result is the outcome of a cache lookup. Partial is set when the budget
// stopped pagination early; such items are never written to the cache.
type Result struct {
	Items   []models.ContentItem
	Source  Source
	Partial bool
}

// CacheConfig configures a Cache
type CacheConfig struct {
	BucketSize      time.Duration
	TTL             time.Duration
	InflightTimeout time.Duration
}

// Cache serves account content from time buckets in the shared KV store and
// collapses concurrent identical upstream fetches.
//
// Coalescing is process-local: the in-flight map lives in this Cache, so two
// worker processes fetching the same key both go upstream. Deduplication
// across processes comes only from the shared KV buckets.
type Cache struct {
	kv      KV
	fetcher *Fetcher
	costs   *budget.CostRegistry
	cfg     CacheConfig
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*call
	bg       sync.WaitGroup

	fresh     atomic.Int64
	stale     atomic.Int64
	coalesced atomic.Int64
	upstream  atomic.Int64
	failures  atomic.Int64
}

// call is one upstream fetch shared by every caller of the same key.
// done is closed after items, partial and err are set.
type call struct {
	done    chan struct{}
	items   []models.ContentItem
	partial bool
	err     error
	timer   *time.Timer
}

// NewCache creates a content cache
func NewCache(kv KV, fetcher *Fetcher, costs *budget.CostRegistry, cfg CacheConfig) *Cache {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 8 * time.Hour
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * cfg.BucketSize
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = time.Minute
	}
	if costs == nil {
		costs = budget.NewCostRegistry(nil)
	}
	return &Cache{
		kv:       kv,
		fetcher:  fetcher,
		costs:    costs,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]*call),
	}
}

// AccountCost is the most one Get can spend from its tracker: both bucket
// reads, every page attempt the fetcher may make, and the write.
func (c *Cache) AccountCost() int {
	return c.costs.AccountFetchCost(c.fetcher.MaxPages(), c.fetcher.MaxAttempts())
}

// Key returns the cache key for an account, window and bucket index
func Key(account string, window types.Window, bucket int64) string {
	return fmt.Sprintf("content:%s:%d:%d", strings.ToLower(account), int(window), bucket)
}

func (c *Cache) bucket(t time.Time) int64 {
	return t.UnixNano() / int64(c.cfg.BucketSize)
}

// Get returns the account's content for window. Lookup order: current
// bucket, previous bucket (with a background refresh of the current one),
// an in-flight fetch of the same key, and finally the upstream provider.
// Cache reads and writes are paid from tracker.
func (c *Cache) Get(ctx context.Context, account string, window types.Window, tracker *budget.Tracker) (*Result, error) {
	logger := logging.FromContext(ctx).WithField("account", account)
	bucket := c.bucket(c.now())
	key := Key(account, window, bucket)

	if items, ok := c.read(ctx, key, tracker); ok {
		c.fresh.Add(1)
		metrics.ContentCacheLookups.WithLabelValues(string(SourceFresh)).Inc()
		return &Result{Items: items, Source: SourceFresh}, nil
	}

	if items, ok := c.read(ctx, Key(account, window, bucket-1), tracker); ok {
		c.stale.Add(1)
		metrics.ContentCacheLookups.WithLabelValues(string(SourceStale)).Inc()
		c.refresh(ctx, key, account, window, tracker)
		return &Result{Items: items, Source: SourceStale}, nil
	}

	cl, leader := c.join(key)
	if !leader {
		c.coalesced.Add(1)
		metrics.ContentCacheLookups.WithLabelValues(string(SourceInflight)).Inc()
		select {
		case <-cl.done:
			if cl.err != nil {
				return nil, cl.err
			}
			return &Result{Items: cl.items, Source: SourceInflight, Partial: cl.partial}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.lead(ctx, key, cl, account, window, tracker)
	if cl.err != nil {
		c.failures.Add(1)
		metrics.ContentCacheLookups.WithLabelValues("error").Inc()
		logger.WithError(cl.err).Debug("Upstream fetch failed")
		return nil, cl.err
	}
	c.upstream.Add(1)
	if cl.partial {
		metrics.ContentCacheLookups.WithLabelValues("partial").Inc()
	} else {
		metrics.ContentCacheLookups.WithLabelValues(string(SourceUpstream)).Inc()
	}
	return &Result{Items: cl.items, Source: SourceUpstream, Partial: cl.partial}, nil
}

func (c *Cache) read(ctx context.Context, key string, tracker *budget.Tracker) ([]models.ContentItem, bool) {
	if tracker != nil && !tracker.TrySpend(c.costs.GetCost(budget.OpCacheRead)) {
		return nil, false
	}
	var items []models.ContentItem
	found, err := c.kv.GetJSON(ctx, key, &items)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("Content cache read failed")
		return nil, false
	}
	return items, found
}

// join returns the in-flight call for key, creating it when absent.
// The creator is the leader and must run it.
func (c *Cache) join(key string) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.inflight[key]; ok {
		return cl, false
	}
	cl := &call{done: make(chan struct{})}
	cl.timer = time.AfterFunc(c.cfg.InflightTimeout, func() { c.forget(key, cl) })
	c.inflight[key] = cl
	return cl, true
}

// forget removes cl from the in-flight map if it is still the registered call
func (c *Cache) forget(key string, cl *call) {
	c.mu.Lock()
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

func (c *Cache) lead(ctx context.Context, key string, cl *call, account string, window types.Window, tracker *budget.Tracker) {
	defer func() {
		cl.timer.Stop()
		c.forget(key, cl)
		close(cl.done)
	}()

	items, err := c.fetcher.Fetch(ctx, account, window, tracker)
	if IsPartial(err) {
		cl.items = items
		cl.partial = true
		logging.FromContext(ctx).WithError(err).WithField("key", key).Debug("Partial fetch not cached")
		return
	}
	if err != nil {
		cl.err = err
		return
	}
	if items == nil {
		items = []models.ContentItem{}
	}
	cl.items = items

	if tracker != nil && !tracker.TrySpend(c.costs.GetCost(budget.OpCacheWrite)) {
		return
	}
	if err := c.kv.SetJSON(ctx, key, items, c.cfg.TTL); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("Content cache write failed")
	}
}

// refresh fetches the current bucket in the background unless a fetch for
// it is already running. It outlives ctx's cancellation but not Drain.
func (c *Cache) refresh(ctx context.Context, key, account string, window types.Window, tracker *budget.Tracker) {
	cl, leader := c.join(key)
	if !leader {
		return
	}

	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.InflightTimeout)
	bgCtx = ratelimit.WithPriority(bgCtx, ratelimit.PriorityLow)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer cancel()
		c.lead(bgCtx, key, cl, account, window, tracker)
		if cl.err != nil {
			logging.FromContext(bgCtx).WithError(cl.err).WithField("account", account).Warn("Background content refresh failed")
		}
	}()
}

// Drain waits for background refreshes to finish or ctx to end.
// Returns false if ctx ended first.
func (c *Cache) Drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CacheStats is a snapshot of cache counters
type CacheStats struct {
	Fresh     int64 `json:"fresh"`
	Stale     int64 `json:"stale"`
	Coalesced int64 `json:"coalesced"`
	Upstream  int64 `json:"upstream"`
	Failures  int64 `json:"failures"`
	InFlight  int   `json:"inFlight"`
}

// Stats returns the cache counters
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	inflight := len(c.inflight)
	c.mu.Unlock()
	return CacheStats{
		Fresh:     c.fresh.Load(),
		Stale:     c.stale.Load(),
		Coalesced: c.coalesced.Load(),
		Upstream:  c.upstream.Load(),
		Failures:  c.failures.Load(),
		InFlight:  inflight,
	}
}

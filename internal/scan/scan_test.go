package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-engine/internal/analysis"
	"github.com/scan-engine/internal/budget"
	"github.com/scan-engine/internal/content"
	"github.com/scan-engine/internal/credits"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/retry"
	"github.com/scan-engine/internal/storage"
	"github.com/scan-engine/internal/types"
)

const (
	fetchQueue   = "fetch"
	analyzeQueue = "analyze"
)

type sent struct {
	queue string
	msg   *queue.Message
	delay time.Duration
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	fail error
}

func (f *fakeSender) Send(_ context.Context, q string, msg *queue.Message, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, sent{queue: q, msg: msg, delay: delay})
	return nil
}

func (f *fakeSender) SendBatch(ctx context.Context, q string, msgs []*queue.Message) error {
	for _, m := range msgs {
		if err := f.Send(ctx, q, m, 0); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSender) on(q string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.msgs {
		if s.queue == q {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

// postSource returns two recent posts for every account
type postSource struct {
	calls atomic.Int64
}

func (s *postSource) FetchPage(_ context.Context, account, _ string) (*content.Page, error) {
	s.calls.Add(1)
	now := time.Now()
	items := make([]models.ContentItem, 2)
	for i := range items {
		items[i] = models.ContentItem{
			ID:          fmt.Sprintf("%d", i),
			Account:     account,
			URL:         fmt.Sprintf("https://example.com/%s/%d", account, i),
			Text:        "post body",
			PublishedAt: now.Add(-time.Hour),
		}
	}
	return &content.Page{Items: items}, nil
}

// echoAnalyzer produces one finding per item
type echoAnalyzer struct {
	calls atomic.Int64
}

func (a *echoAnalyzer) Analyze(_ context.Context, req *analysis.Request) (string, error) {
	a.calls.Add(1)
	parts := make([]string, len(req.Items))
	for i, it := range req.Items {
		parts[i] = fmt.Sprintf(`{"sourceUrl":%q,"title":%q,"summary":"s"}`, it.URL, it.Key())
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

type failingResults struct{}

func (failingResults) Save(context.Context, *models.ScanResult) error {
	return errors.New("result store unavailable")
}

type harness struct {
	mr         *miniredis.Miniredis
	schedules  *storage.MemoryScheduleStore
	ledgerDB   *storage.MemoryLedgerStore
	ledger     *credits.Ledger
	results    *storage.MemoryResultStore
	sender     *fakeSender
	source     *postSource
	analyzer   *echoAnalyzer
	cache      *content.Cache
	jobs       *JobStore
	finisher   *Finisher
	dispatcher *Dispatcher
	worker     *FetchWorker
	poller     *Poller
}

// harnessOptions swaps parts of the default harness
type harnessOptions struct {
	results   storage.ResultStore
	source    content.PageSource
	attempts  int
	analyzer  analysis.Analyzer
	schedules func(storage.ScheduleStore) storage.ScheduleStore
}

func newHarness(t *testing.T, pricing credits.Pricing, results storage.ResultStore) *harness {
	t.Helper()
	return newHarnessWith(t, pricing, harnessOptions{results: results})
}

func newHarnessWith(t *testing.T, pricing credits.Pricing, opts harnessOptions) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := storage.NewRedisCacheFromClient(client)

	h := &harness{
		mr:        mr,
		schedules: storage.NewMemoryScheduleStore(),
		ledgerDB:  storage.NewMemoryLedgerStore(),
		results:   storage.NewMemoryResultStore(),
		sender:    &fakeSender{},
		source:    &postSource{},
		analyzer:  &echoAnalyzer{},
	}
	results := opts.results
	if results == nil {
		results = h.results
	}
	var source content.PageSource = h.source
	if opts.source != nil {
		source = opts.source
	}
	var analyzer analysis.Analyzer = h.analyzer
	if opts.analyzer != nil {
		analyzer = opts.analyzer
	}
	var schedules storage.ScheduleStore = h.schedules
	if opts.schedules != nil {
		schedules = opts.schedules(h.schedules)
	}
	h.ledger = credits.NewLedger(h.ledgerDB, pricing)

	policy := retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	fetchPolicy := policy
	if opts.attempts > 0 {
		fetchPolicy.MaxAttempts = opts.attempts
	}
	fetcher := content.NewFetcher(source, fetchPolicy, 3, nil)
	h.cache = content.NewCache(kv, fetcher, nil, content.CacheConfig{BucketSize: time.Hour, InflightTimeout: 5 * time.Second})
	svc := analysis.NewService(analyzer, kv, nil, analysis.Config{MaxBatchBytes: 20000, CacheTTL: time.Hour, Policy: policy})

	h.jobs = NewJobStore(kv, StoreConfig{ScanCacheTTL: time.Hour})
	h.finisher = NewFinisher(h.jobs, schedules, h.ledger, svc, results, 200)
	h.dispatcher = NewDispatcher(schedules, h.ledger, h.jobs, h.sender, h.finisher, DispatcherConfig{
		FetchQueue:      fetchQueue,
		AnalyzeQueue:    analyzeQueue,
		ChunkSize:       30,
		InitialDelayPer: 10 * time.Second,
		InitialDelayMin: 30 * time.Second,
		InitialDelayMax: 5 * time.Minute,
		DefaultModel:    "standard",
	})
	// A full chunk at 7 per account plus the chunk write.
	h.worker = NewFetchWorker(h.jobs, h.cache, nil, FetchWorkerConfig{InvocationBudget: 250, Concurrency: 5})
	h.poller = NewPoller(h.jobs, h.sender, h.finisher, PollerConfig{AnalyzeQueue: analyzeQueue, PollDelay: 15 * time.Second, MaxAttempts: 20})
	return h
}

func defaultPricing() credits.Pricing {
	return credits.Pricing{BaseCost: 10, PerAccountCost: 1, FreeTierEnabled: true, FreeTierAccountLimit: 10}
}

func accounts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("acct%03d", i)
	}
	return out
}

func (h *harness) schedule(id, tenant string, accts []string) *models.Schedule {
	s := &models.Schedule{
		ID:            id,
		TenantID:      tenant,
		TimeOfDay:     "09:00",
		Window:        types.WindowDay,
		Accounts:      accts,
		Enabled:       true,
		Prompt:        "find launches",
		LastRunStatus: models.RunStatusRunning,
	}
	h.schedules.PutSchedule(s)
	return s
}

func (h *harness) fund(tenant string, balance int64) {
	h.ledgerDB.PutProfile(&models.Profile{TenantID: tenant, Balance: balance})
}

func (h *harness) balance(t *testing.T, tenant string) int64 {
	t.Helper()
	p, err := h.ledgerDB.GetProfile(context.Background(), tenant)
	require.NoError(t, err)
	return p.Balance
}

func (h *harness) status(t *testing.T, id string) *models.Schedule {
	t.Helper()
	s, err := h.schedules.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

// runFetches delivers every fetch message sent so far
func (h *harness) runFetches(t *testing.T, ctx context.Context) {
	t.Helper()
	for _, s := range h.sender.on(fetchQueue) {
		require.NoError(t, h.worker.Handle(ctx, s.msg.FetchChunk))
	}
}

func TestScan_SeventyFiveAccounts(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.fund("t1", 1000)
	s := h.schedule("s1", "t1", accounts(75))
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))

	fetches := h.sender.on(fetchQueue)
	analyzes := h.sender.on(analyzeQueue)
	require.Len(t, fetches, 3)
	require.Len(t, analyzes, 1)
	assert.Len(t, fetches[0].msg.FetchChunk.Accounts, 30)
	assert.Len(t, fetches[1].msg.FetchChunk.Accounts, 30)
	assert.Len(t, fetches[2].msg.FetchChunk.Accounts, 15)
	assert.Equal(t, 30*time.Second, analyzes[0].delay)
	assert.Equal(t, 1, analyzes[0].msg.Analyze.Attempt)

	h.runFetches(t, ctx)
	h.sender.reset()

	require.NoError(t, h.poller.Handle(ctx, analyzes[0].msg.Analyze))
	assert.Empty(t, h.sender.on(analyzeQueue), "converged on first poll")

	results := h.results.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 150, results[0].ItemCount)
	assert.Len(t, results[0].Findings, 150)
	assert.EqualValues(t, 85, results[0].CreditsCharged)
	assert.EqualValues(t, 915, h.balance(t, "t1"))
	assert.Equal(t, models.RunStatusSuccess, h.status(t, "s1").LastRunStatus)

	job, err := h.jobs.LoadJob(ctx, analyzes[0].msg.Analyze.JobID)
	require.NoError(t, err)
	assert.Nil(t, job, "job state cleaned up")
}

func TestScan_InsufficientBalanceRejected(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.fund("t1", 40)
	s := h.schedule("s1", "t1", accounts(40))

	err := h.dispatcher.Dispatch(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, credits.ErrInsufficientCredits))
	assert.Empty(t, h.sender.on(fetchQueue))
	assert.Empty(t, h.sender.on(analyzeQueue))
	assert.EqualValues(t, 40, h.balance(t, "t1"))
}

func TestScan_SaveFailureRefunds(t *testing.T) {
	pricing := credits.Pricing{BaseCost: 100, PerAccountCost: 4}
	h := newHarness(t, pricing, failingResults{})
	h.fund("t1", 500)
	s := h.schedule("s1", "t1", accounts(5))
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))
	h.runFetches(t, ctx)
	require.NoError(t, h.poller.Handle(ctx, h.sender.on(analyzeQueue)[0].msg.Analyze))

	assert.EqualValues(t, 500, h.balance(t, "t1"))
	txs, err := h.ledgerDB.ListTransactions(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.EqualValues(t, 120, txs[0].Amount)
	assert.EqualValues(t, -120, txs[1].Amount)

	got := h.status(t, "s1")
	assert.Equal(t, models.RunStatusError, got.LastRunStatus)
	assert.Equal(t, "internal error while running scan", got.LastRunMessage)
}

func TestPoller_ReenqueuesUntilMax(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	s := h.schedule("s1", "free", accounts(3))
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))
	jobID := h.sender.on(analyzeQueue)[0].msg.JobID()
	h.sender.reset()

	require.NoError(t, h.poller.Handle(ctx, &queue.Analyze{JobID: jobID, Attempt: 1}))
	next := h.sender.on(analyzeQueue)
	require.Len(t, next, 1)
	assert.Equal(t, 2, next[0].msg.Analyze.Attempt)
	assert.Equal(t, 15*time.Second, next[0].delay)

	h.sender.reset()
	require.NoError(t, h.poller.Handle(ctx, &queue.Analyze{JobID: jobID, Attempt: 20}))
	assert.Empty(t, h.sender.on(analyzeQueue))

	got := h.status(t, "s1")
	assert.Equal(t, models.RunStatusError, got.LastRunStatus)
	assert.Contains(t, got.LastRunMessage, "0 of 1 chunks")

	p, err := h.ledgerDB.GetProfile(ctx, "free")
	require.NoError(t, err)
	assert.Nil(t, p.FreeScanUsedAt, "free scan released")

	job, err := h.jobs.LoadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPoller_DuplicateDeliveryFinalizesOnce(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.fund("t1", 100)
	s := h.schedule("s1", "t1", accounts(4))
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))
	h.runFetches(t, ctx)
	msg := h.sender.on(analyzeQueue)[0].msg.Analyze

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.poller.Handle(ctx, msg)
		}()
	}
	wg.Wait()

	assert.Len(t, h.results.Results(), 1)
	assert.EqualValues(t, 86, h.balance(t, "t1"))
}

func TestPoller_GiveUpWaitsForRunningFinalize(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	s := h.schedule("s1", "free", accounts(3))
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))
	jobID := h.sender.on(analyzeQueue)[0].msg.JobID()
	h.sender.reset()

	// Another delivery chain is already finalizing this job.
	acquired, err := h.jobs.AcquireFinalize(ctx, jobID)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, h.poller.Handle(ctx, &queue.Analyze{JobID: jobID, Attempt: 20}))
	assert.Empty(t, h.sender.on(analyzeQueue))
	assert.Equal(t, models.RunStatusRunning, h.status(t, "s1").LastRunStatus, "running finalize left alone")

	job, err := h.jobs.LoadJob(ctx, jobID)
	require.NoError(t, err)
	assert.NotNil(t, job, "job state kept for the finalize in progress")
}

func TestPoller_GiveUpBlocksLateFinalize(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	s := h.schedule("s1", "free", accounts(3))
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))
	jobID := h.sender.on(analyzeQueue)[0].msg.JobID()

	require.NoError(t, h.poller.Handle(ctx, &queue.Analyze{JobID: jobID, Attempt: 20}))
	assert.Equal(t, models.RunStatusError, h.status(t, "s1").LastRunStatus)

	acquired, err := h.jobs.AcquireFinalize(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, acquired, "give-up holds the finalize lock")
}

func TestFetchWorker_MissingJobIsNoop(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	err := h.worker.Handle(context.Background(), &queue.FetchChunk{JobID: "gone", Accounts: []string{"a"}, Window: types.WindowDay})
	require.NoError(t, err)
	assert.Zero(t, h.source.calls.Load())
}

func TestFetchWorker_SkipsWhatBudgetCannotCover(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.worker.cfg.InvocationBudget = 22 // store write + three accounts at 7 each
	ctx := context.Background()

	job := &models.ScanJob{JobID: "j1", TotalChunks: 1, Window: types.WindowDay}
	require.NoError(t, h.jobs.SaveJob(ctx, job))
	require.NoError(t, h.worker.Handle(ctx, &queue.FetchChunk{JobID: "j1", Accounts: accounts(5), Window: types.WindowDay}))

	chunks, err := h.jobs.LoadChunks(ctx, "j1", 1)
	require.NoError(t, err)
	assert.Len(t, chunks[0].Accounts, 3)
	assert.Equal(t, []string{"acct003", "acct004"}, chunks[0].Skipped)
	assert.Equal(t, 6, chunks[0].ItemCount)
}

func TestFetchWorker_BudgetDryBeforeFirstPageSkips(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)

	// Both bucket reads fit, the first page does not.
	res, skip := h.worker.fetchAccount(context.Background(), "acct000", types.WindowDay, budget.NewTracker(2))
	assert.True(t, skip)
	assert.Nil(t, res)
	assert.Zero(t, h.source.calls.Load())
}

func TestScan_RetriesWithinAllowanceFetchEverything(t *testing.T) {
	// Three pages; the first two calls are rate limited.
	src := newPagedSource(func(string) int { return 3 })
	src.fail = func(_, _ string, call int64) bool { return call <= 2 }
	h := newHarnessWith(t, defaultPricing(), harnessOptions{source: src, attempts: 3})
	h.fund("t1", 100)
	s := h.schedule("s1", "t1", []string{"acct000"})
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, s))
	h.runFetches(t, ctx)
	require.NoError(t, h.poller.Handle(ctx, h.sender.on(analyzeQueue)[0].msg.Analyze))

	results := h.results.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 6, results[0].ItemCount)
	assert.Empty(t, results[0].PartialAccounts)
	assert.Empty(t, results[0].SkippedAccounts)
	assert.EqualValues(t, 5, src.calls.Load())
}

func TestScan_PartialFetchNeverCachedAsComplete(t *testing.T) {
	// Four retries against an allowance of two: the third page's retry
	// finds the account's reservation spent.
	src := newPagedSource(func(string) int { return 3 })
	src.fail = flakyPages
	h := newHarnessWith(t, defaultPricing(), harnessOptions{source: src, attempts: 3})
	h.fund("t1", 100)
	h.fund("t2", 100)
	ctx := context.Background()

	require.NoError(t, h.dispatcher.Dispatch(ctx, h.schedule("s1", "t1", []string{"acct000"})))
	h.runFetches(t, ctx)
	require.NoError(t, h.poller.Handle(ctx, h.sender.on(analyzeQueue)[0].msg.Analyze))

	results := h.results.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 4, results[0].ItemCount, "two of three pages")
	assert.Equal(t, []string{"acct000"}, results[0].PartialAccounts)
	assert.Empty(t, results[0].FailedAccounts)
	got := h.status(t, "s1")
	assert.Equal(t, models.RunStatusSuccess, got.LastRunStatus)
	assert.Contains(t, got.LastRunMessage, "1 accounts partially fetched")

	// Neither the scan nor the account's content was cached: the next scan
	// of the same account goes upstream again.
	h.sender.reset()
	require.NoError(t, h.dispatcher.Dispatch(ctx, h.schedule("s2", "t2", []string{"acct000"})))
	assert.Len(t, h.sender.on(fetchQueue), 1)
	before := src.calls.Load()
	h.runFetches(t, ctx)
	assert.Greater(t, src.calls.Load(), before)
}

func TestComplete_IncompletePartsBlockCaching(t *testing.T) {
	assert.True(t, complete(&models.ScanResult{ItemCount: 4}))

	partial := &models.ScanResult{ItemCount: 4, PartialAccounts: []string{"acct000"}}
	assert.False(t, complete(partial))
	assert.Equal(t, "0 findings from 4 items; 1 accounts partially fetched", summary(partial))

	assert.False(t, complete(&models.ScanResult{SkippedAccounts: []string{"acct001"}}))
	assert.False(t, complete(&models.ScanResult{SkippedBatches: 1}))
}

func TestDispatch_ScanCacheHit(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.fund("t1", 100)
	h.fund("t2", 100)
	ctx := context.Background()

	first := h.schedule("s1", "t1", accounts(4))
	require.NoError(t, h.dispatcher.Dispatch(ctx, first))
	h.runFetches(t, ctx)
	require.NoError(t, h.poller.Handle(ctx, h.sender.on(analyzeQueue)[0].msg.Analyze))
	h.sender.reset()
	calls := h.analyzer.calls.Load()

	// Same accounts in another order and case, different tenant.
	second := h.schedule("s2", "t2", []string{"ACCT003", "acct001", "acct002", "acct000"})
	require.NoError(t, h.dispatcher.Dispatch(ctx, second))

	assert.Empty(t, h.sender.on(fetchQueue))
	assert.Equal(t, calls, h.analyzer.calls.Load())
	results := h.results.Results()
	require.Len(t, results, 2)
	assert.True(t, results[1].FromCache)
	assert.Equal(t, "t2", results[1].TenantID)
	assert.Equal(t, models.RunStatusSuccess, h.status(t, "s2").LastRunStatus)
	assert.EqualValues(t, 86, h.balance(t, "t2"))
}

func TestDispatch_SendFailureReleasesFreeScan(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.sender.fail = errors.New("queue down")
	s := h.schedule("s1", "free", accounts(2))
	ctx := context.Background()

	err := h.dispatcher.Dispatch(ctx, s)
	require.Error(t, err)

	p, err := h.ledgerDB.GetProfile(ctx, "free")
	require.NoError(t, err)
	assert.Nil(t, p.FreeScanUsedAt)
}

func TestResolveAccounts_FallbackChain(t *testing.T) {
	store := storage.NewMemoryScheduleStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	older := now.Add(-48 * time.Hour)
	newer := now.Add(-time.Hour)

	store.PutGroup(&models.AccountGroup{ID: "g-ref", TenantID: "t1", Accounts: []string{"ref"}})
	store.PutGroup(&models.AccountGroup{ID: "g-old", TenantID: "t1", Accounts: []string{"old"}, LastUsedAt: &older})
	store.PutGroup(&models.AccountGroup{ID: "g-new", TenantID: "t1", Accounts: []string{"new"}, LastUsedAt: &newer})

	own := &models.Schedule{ID: "s", TenantID: "t1", Accounts: []string{"a", "A", " b "}}
	got, err := ResolveAccounts(ctx, store, own, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	ref := "g-ref"
	got, err = ResolveAccounts(ctx, store, &models.Schedule{ID: "s", TenantID: "t1", GroupID: &ref}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"ref"}, got)

	missing := "g-missing"
	got, err = ResolveAccounts(ctx, store, &models.Schedule{ID: "s", TenantID: "t1", GroupID: &missing}, now)
	require.NoError(t, err)
	// g-ref was just touched, so it is now the most recent.
	assert.Equal(t, []string{"ref"}, got)

	_, err = ResolveAccounts(ctx, store, &models.Schedule{ID: "s", TenantID: "nobody"}, now)
	assert.Equal(t, "no accounts", apperrors.UserMessage(err))
}

func TestInitialDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, InitialDelay(1, 10*time.Second, 30*time.Second, 5*time.Minute))
	assert.Equal(t, 80*time.Second, InitialDelay(8, 10*time.Second, 30*time.Second, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, InitialDelay(100, 10*time.Second, 30*time.Second, 5*time.Minute))
}

// stallAnalyzer blocks until the caller gives up
type stallAnalyzer struct{}

func (stallAnalyzer) Analyze(ctx context.Context, _ *analysis.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// countingSchedules counts terminal status writes per status
type countingSchedules struct {
	storage.ScheduleStore
	mu     sync.Mutex
	counts map[models.RunStatus]int
}

func (c *countingSchedules) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, message string) error {
	c.mu.Lock()
	if c.counts == nil {
		c.counts = make(map[models.RunStatus]int)
	}
	c.counts[status]++
	c.mu.Unlock()
	return c.ScheduleStore.UpdateRunStatus(ctx, id, status, message)
}

func (c *countingSchedules) count(status models.RunStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[status]
}

func TestInlineRunner_DeadlineDuringFinishFailsOnce(t *testing.T) {
	counting := &countingSchedules{}
	h := newHarnessWith(t, defaultPricing(), harnessOptions{
		analyzer: stallAnalyzer{},
		schedules: func(inner storage.ScheduleStore) storage.ScheduleStore {
			counting.ScheduleStore = inner
			return counting
		},
	})
	s := h.schedule("s1", "free", accounts(2))
	runner := NewInlineRunner(h.dispatcher, h.worker, h.finisher, 300*time.Millisecond)
	ctx := context.Background()

	err := runner.Dispatch(ctx, s)
	require.Error(t, err)
	assert.True(t, IsRecorded(err))

	assert.Equal(t, 1, counting.count(models.RunStatusError), "failure recorded once")
	got := h.status(t, "s1")
	assert.Equal(t, models.RunStatusError, got.LastRunStatus)
	assert.Equal(t, "scan did not finish within 300ms", got.LastRunMessage)

	p, err := h.ledgerDB.GetProfile(ctx, "free")
	require.NoError(t, err)
	assert.Nil(t, p.FreeScanUsedAt, "free scan released")
	assert.Empty(t, h.results.Results())
}

func TestInlineRunner(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	h.fund("t1", 100)
	s := h.schedule("s1", "t1", accounts(35))
	runner := NewInlineRunner(h.dispatcher, h.worker, h.finisher, time.Minute)

	require.NoError(t, runner.Dispatch(context.Background(), s))
	assert.Empty(t, h.sender.on(fetchQueue))
	results := h.results.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 70, results[0].ItemCount)
	assert.EqualValues(t, 55, h.balance(t, "t1"))
	assert.Equal(t, models.RunStatusSuccess, h.status(t, "s1").LastRunStatus)
}

func TestRegisterHandlers(t *testing.T) {
	h := newHarness(t, defaultPricing(), nil)
	r := queue.NewRouter()
	RegisterHandlers(r, h.worker, h.poller)
	assert.ElementsMatch(t, []queue.Kind{queue.KindFetchChunk, queue.KindAnalyze}, r.Kinds())

	err := r.Dispatch(context.Background(), queue.NewAnalyzeMessage("missing", 1))
	assert.NoError(t, err)
}

// pagedSource serves pages(account) pages of two posts each. fail, when
// set, rate limits a call given its 1-based count for (account, cursor).
type pagedSource struct {
	pages func(account string) int
	fail  func(account, cursor string, call int64) bool

	mu    sync.Mutex
	seen  map[string]int64
	calls atomic.Int64
}

func newPagedSource(pages func(string) int) *pagedSource {
	return &pagedSource{pages: pages, seen: make(map[string]int64)}
}

func (s *pagedSource) FetchPage(_ context.Context, account, cursor string) (*content.Page, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen[account+"|"+cursor]++
	call := s.seen[account+"|"+cursor]
	s.mu.Unlock()
	if s.fail != nil && s.fail(account, cursor, call) {
		return nil, apperrors.NewUpstreamRateLimitError("content provider", 0)
	}

	idx := 0
	if cursor != "" {
		_, _ = fmt.Sscanf(cursor, "%d", &idx)
	}
	now := time.Now()
	page := &content.Page{}
	for i := 0; i < 2; i++ {
		page.Items = append(page.Items, models.ContentItem{
			ID:          fmt.Sprintf("p%d-%d", idx, i),
			Account:     account,
			URL:         fmt.Sprintf("https://example.com/%s/%d/%d", account, idx, i),
			Text:        "post body",
			PublishedAt: now.Add(-time.Hour),
		})
	}
	if idx+1 < s.pages(account) {
		page.NextCursor = fmt.Sprintf("%d", idx+1)
	}
	return page, nil
}

// flakyPages rate limits the first page twice and every later page once
func flakyPages(_, cursor string, call int64) bool {
	if cursor == "" {
		return call <= 2
	}
	return call == 1
}

// pageCount gives each account one to three pages
func pageCount(account string) int {
	sum := 0
	for _, c := range account {
		sum += int(c)
	}
	return 1 + sum%3
}

func itemKeys(items []models.ContentItem) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key()
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// A chunked scan returns exactly what one direct fetch of every account
// returns, and any account the budget cut short is reported as skipped or
// partial and keeps the result out of the scan cache.
func TestProperty_ChunkedScanMatchesDirectFetch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	direct := content.NewFetcher(newPagedSource(pageCount), retry.Policy{MaxAttempts: 1}, 3, nil)

	properties.Property("merged chunks equal a direct fetch", prop.ForAll(
		func(n, size, affordable, flakyEvery int) bool {
			// A three-page flaky account outruns its retry allowance and
			// ends partial; shorter ones still fit.
			src := newPagedSource(pageCount)
			src.fail = func(account, cursor string, call int64) bool {
				var idx int
				_, _ = fmt.Sscanf(account, "acct%d", &idx)
				return idx%flakyEvery == 0 && flakyPages(account, cursor, call)
			}
			h := newHarnessWith(t, defaultPricing(), harnessOptions{source: src, attempts: 3})
			h.dispatcher.cfg.ChunkSize = size
			h.worker.cfg.InvocationBudget = 1 + affordable*h.cache.AccountCost()
			h.fund("t1", 10_000)
			ctx := context.Background()

			all := accounts(n)
			if err := h.dispatcher.Dispatch(ctx, h.schedule("s1", "t1", all)); err != nil {
				return false
			}
			analyze := h.sender.on(analyzeQueue)[0].msg.Analyze
			job, err := h.jobs.LoadJob(ctx, analyze.JobID)
			if err != nil || job == nil {
				return false
			}
			h.runFetches(t, ctx)
			chunks, err := h.jobs.LoadChunks(ctx, job.JobID, job.TotalChunks)
			if err != nil {
				return false
			}

			// Every account lands exactly once, fetched or skipped.
			placed := make(map[string]int)
			var want []models.ContentItem
			partial, skipped := 0, 0
			for _, c := range chunks {
				for _, a := range c.Skipped {
					placed[a]++
					skipped++
				}
				for _, a := range c.Accounts {
					placed[a.Account]++
					if a.Error != "" {
						return false
					}
					full, err := direct.Fetch(ctx, a.Account, types.WindowDay, nil)
					if err != nil {
						return false
					}
					got, exp := itemKeys(a.Items), itemKeys(full)
					if a.Partial {
						partial++
						if len(got) == 0 || len(got) >= len(exp) {
							return false
						}
						continue
					}
					if !sameKeys(got, exp) {
						return false
					}
					want = append(want, full...)
				}
			}
			if len(placed) != n {
				return false
			}
			for _, count := range placed {
				if count != 1 {
					return false
				}
			}

			m := merge(chunks)
			if partial == 0 && !sameKeys(itemKeys(m.items), itemKeys(want)) {
				return false
			}
			if len(m.partial) != partial || len(m.skipped) != skipped {
				return false
			}

			if err := h.poller.Handle(ctx, analyze); err != nil {
				return false
			}
			results := h.results.Results()
			if len(results) != 1 || results[0].ItemCount != len(m.items) {
				return false
			}
			cached, err := h.jobs.LoadCachedResult(ctx, ScanCacheKey(job.Accounts, job.Window, job.PromptHash))
			if err != nil {
				return false
			}
			return (cached != nil) == (partial == 0 && skipped == 0)
		},
		gen.IntRange(1, 40),
		gen.IntRange(1, 12),
		gen.IntRange(0, 12),
		gen.IntRange(2, 7),
	))

	properties.TestingRun(t)
}

// Partitioning loses, duplicates and reorders nothing.
func TestProperty_PartitionLossless(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("concatenated chunks equal the input", prop.ForAll(
		func(n, size int) bool {
			in := accounts(n)
			chunks := Partition(in, size)
			var out []string
			for _, c := range chunks {
				if len(c) == 0 || len(c) > size {
					return false
				}
				out = append(out, c...)
			}
			if len(out) != len(in) {
				return false
			}
			for i := range in {
				if in[i] != out[i] {
					return false
				}
			}
			return len(chunks) == (n+size-1)/size
		},
		gen.IntRange(0, 500),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

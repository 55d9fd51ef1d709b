package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-engine/internal/config"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/retry"
	"github.com/scan-engine/internal/scan"
	"github.com/scan-engine/internal/scheduler"
	"github.com/scan-engine/internal/storage"
	"github.com/scan-engine/internal/types"
	"github.com/scan-engine/internal/worker"
)

// providers stands in for the content and analysis APIs
func providers(t *testing.T) (contentURL, analysisURL string) {
	t.Helper()
	content := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/accounts/"), "/posts")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []models.ContentItem{{
				ID:          "1",
				URL:         fmt.Sprintf("https://example.com/%s/1", account),
				Text:        "post by " + account,
				PublishedAt: time.Now().Add(-time.Hour),
			}},
		})
	}))
	t.Cleanup(content.Close)

	analysis := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"output": `[{"url":"https://example.com/alice/1","title":"Launch","summary":"x"}]`,
		})
	}))
	t.Cleanup(analysis.Close)

	return content.URL, analysis.URL
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	contentURL, analysisURL := providers(t)

	return &config.Config{
		Server: config.ServerConfig{WriteTimeout: time.Second},
		Database: config.DatabaseConfig{
			Backend:    "memory",
			Redis:      config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 4},
			ClickHouse: config.ClickHouseConfig{Enabled: false},
		},
		Queue: config.QueueConfig{
			FetchQueue:    "fetch",
			AnalyzeQueue:  "analyze",
			MaxBatchSize:  10,
			MaxDeliveries: 3,
		},
		Scan: config.ScanConfig{
			Mode:             mode,
			ChunkSize:        1,
			PollDelay:        time.Millisecond,
			MaxPollAttempts:  50,
			InvocationBudget: 200,
			FetchConcurrency: 2,
			InlineDeadline:   10 * time.Second,
			DefaultModel:     "standard",
		},
		Fetch: config.FetchConfig{
			BaseURL:        contentURL,
			RequestsPerSec: 100,
			Timeout:        2 * time.Second,
			MaxPages:       1,
			MaxAttempts:    1,
			QuotaTotal:     100,
		},
		Analysis: config.AnalysisConfig{
			BaseURL:       analysisURL,
			Timeout:       2 * time.Second,
			MaxBatchBytes: 100_000,
			MaxAttempts:   1,
		},
		Credits: config.CreditsConfig{BaseCost: 10, PerAccountCost: 1},
	}
}

func seed(t *testing.T, a *App) {
	t.Helper()
	a.LedgerStore.(*storage.MemoryLedgerStore).PutProfile(&models.Profile{TenantID: "t1", Balance: 100})
	a.Schedules.(*storage.MemoryScheduleStore).PutSchedule(&models.Schedule{
		ID:        "s1",
		TenantID:  "t1",
		TimeOfDay: time.Now().UTC().Format("15:04"),
		Timezone:  "UTC",
		Window:    types.WindowDay,
		Accounts:  []string{"alice", "bob"},
		Enabled:   true,
		Prompt:    "launches",
	})
}

func tick(t *testing.T, a *App) *scheduler.TickResult {
	t.Helper()
	selector := scheduler.NewSelector(a.Schedules, a.ScheduleDispatcher(), scheduler.Config{
		Tolerance:  5 * time.Minute,
		Cooldown:   55 * time.Minute,
		StaleAfter: 10 * time.Minute,
	})
	res, err := selector.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func assertScanCompleted(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()

	s, err := a.Schedules.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, s.LastRunStatus, s.LastRunMessage)

	balance, err := a.Ledger.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 88, balance)

	results := a.Results.(*storage.MemoryResultStore).Results()
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].ItemCount)
	assert.EqualValues(t, 12, results[0].CreditsCharged)
	require.NotEmpty(t, results[0].Findings)
	assert.Equal(t, "Launch", results[0].Findings[0].Title)
}

func TestApp_InlineScan(t *testing.T) {
	a, err := New(testConfig(t, "inline"))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &scan.InlineRunner{}, a.ScheduleDispatcher())
	assert.Contains(t, a.HealthChecks(), "redis")
	assert.NotContains(t, a.HealthChecks(), "postgres")

	seed(t, a)
	res := tick(t, a)
	assert.Equal(t, 1, res.Dispatched)

	assertScanCompleted(t, a)
}

func TestApp_QueuedScan(t *testing.T) {
	a, err := New(testConfig(t, "queued"))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &scan.Dispatcher{}, a.ScheduleDispatcher())

	seed(t, a)
	res := tick(t, a)
	require.Equal(t, 1, res.Dispatched)

	depth, err := a.Queue.Depth(context.Background(), "fetch")
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth, "one fetch message per chunk")

	router := queue.NewRouter()
	scan.RegisterHandlers(router, a.FetchWorker, a.Poller)
	consumer, err := worker.NewConsumer(a.Queue, router, worker.ConsumerConfig{
		Queues:     []string{"fetch", "analyze"},
		Workers:    4,
		Visibility: time.Minute,
		Backoff:    retry.Policy{InitialDelay: time.Millisecond, MaxAttempts: 1},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		if _, err := consumer.PollOnce(ctx); err != nil {
			return false
		}
		consumer.Wait()
		s, err := a.Schedules.GetByID(ctx, "s1")
		return err == nil && s.LastRunStatus != models.RunStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	assertScanCompleted(t, a)
}

func TestApp_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t, "inline")
	cfg.Database.Redis.Port = "1"

	_, err := New(cfg)
	assert.Error(t, err)
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuota(t *testing.T, cfg Config) (*Quota, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewQuota(client, cfg)
	require.NoError(t, err)
	return q, mr
}

func fixedClock(q *Quota, at time.Time) {
	q.now = func() time.Time { return at }
}

func TestNewQuota_Validation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tests := map[string]Config{
		"no provider":       {Total: 10},
		"zero total":        {Provider: "p"},
		"reserved too high": {Provider: "p", Total: 10, Reserved: 11},
		"negative reserved": {Provider: "p", Total: 10, Reserved: -1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewQuota(client, cfg)
			assert.Error(t, err)
		})
	}

	_, err := NewQuota(nil, Config{Provider: "p", Total: 1})
	assert.Error(t, err)
}

func TestTryConsume_Pools(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 10, Reserved: 6})
	fixedClock(q, time.UnixMilli(1_000_000_250))
	ctx := context.Background()
	low := 0
	for {
		ok, wait, err := q.TryConsume(ctx, 1, PriorityLow)
		require.NoError(t, err)
		if !ok {
			assert.Equal(t, 751*time.Millisecond, wait)
			break
		}
		low++
	}
	assert.Equal(t, 4, low, "low priority stops at the shared pool")

	high := 0
	for {
		ok, _, err := q.TryConsume(ctx, 1, PriorityHigh)
		require.NoError(t, err)
		if !ok {
			break
		}
		high++
	}
	assert.Equal(t, 6, high, "high priority keeps its reservation")

	usage, err := q.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, usage.TotalUsed)
	assert.Equal(t, 6, usage.ReservedUsed)
	assert.Equal(t, 4, usage.SharedUsed)
	assert.Equal(t, 4, usage.Shared)
}

func TestTryConsume_HighUsesSpareSharedCapacity(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 5, Reserved: 2})
	fixedClock(q, time.UnixMilli(2_000_000_000))
	ctx := context.Background()

	ok, _, err := q.TryConsume(ctx, 5, PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = q.TryConsume(ctx, 1, PriorityLow)
	require.NoError(t, err)
	assert.False(t, ok, "the total caps both pools")
}

func TestTryConsume_NewWindowResets(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 2})
	at := time.UnixMilli(3_000_000_000)
	fixedClock(q, at)
	ctx := context.Background()

	ok, _, _ := q.TryConsume(ctx, 2, PriorityHigh)
	require.True(t, ok)
	ok, _, _ = q.TryConsume(ctx, 1, PriorityHigh)
	require.False(t, ok)

	fixedClock(q, at.Add(time.Second))
	ok, _, err := q.TryConsume(ctx, 1, PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryConsume_AtomicAcrossGoroutines(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 25})
	fixedClock(q, time.UnixMilli(4_000_000_000))

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, err := q.TryConsume(context.Background(), 1, PriorityHigh); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 25, granted.Load())
}

func TestWait_BlocksUntilNextWindow(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 1, WindowSize: 50 * time.Millisecond, MaxWait: time.Second})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Wait(ctx, 1))
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWait_MaxWaitExceeded(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 1, WindowSize: time.Hour, MaxWait: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Wait(ctx, 1))
	assert.ErrorIs(t, q.Wait(ctx, 1), ErrQuotaWaitExceeded)
}

func TestWait_UsesPriorityFromContext(t *testing.T) {
	q, _ := newTestQuota(t, Config{Provider: "content", Total: 2, Reserved: 2, WindowSize: time.Hour, MaxWait: 10 * time.Millisecond})

	low := WithPriority(context.Background(), PriorityLow)
	assert.Equal(t, PriorityLow, PriorityFrom(low))
	assert.Equal(t, PriorityHigh, PriorityFrom(context.Background()))

	assert.ErrorIs(t, q.Wait(low, 1), ErrQuotaWaitExceeded, "no shared pool")
	assert.NoError(t, q.Wait(context.Background(), 1))
}

func TestWait_FailsOpenWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	q, err := NewQuota(client, Config{Provider: "content", Total: 1})
	require.NoError(t, err)

	assert.NoError(t, q.Wait(context.Background(), 1))
}

package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-engine/internal/storage"
)

func TestGuard_DuplicateSkipped(t *testing.T) {
	g := NewGuard(storage.NewMemoryIdempotencyStore())
	ctx := context.Background()
	var grants int

	ran, err := g.Do(ctx, "evt_1", "webhook", func(context.Context) error { grants++; return nil })
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = g.Do(ctx, "evt_1", "webhook", func(context.Context) error { grants++; return nil })
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, grants)
}

func TestGuard_FailureReleasesClaim(t *testing.T) {
	g := NewGuard(storage.NewMemoryIdempotencyStore())
	ctx := context.Background()
	boom := errors.New("boom")

	ran, err := g.Do(ctx, "evt_2", "webhook", func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	ran, err = g.Do(ctx, "evt_2", "webhook", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran, "a failed side effect must be retryable")
}

func TestGuard_EmptyID(t *testing.T) {
	g := NewGuard(storage.NewMemoryIdempotencyStore())
	_, err := g.Do(context.Background(), "", "webhook", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestGuard_ConcurrentDeliveries(t *testing.T) {
	g := NewGuard(storage.NewMemoryIdempotencyStore())
	var effects atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Do(context.Background(), "evt_race", "webhook", func(context.Context) error {
				effects.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, effects.Load())
}

func TestGuard_ReplayProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("n deliveries of one event give one side effect", prop.ForAll(
		func(deliveries int) bool {
			g := NewGuard(storage.NewMemoryIdempotencyStore())
			effects := 0
			for i := 0; i < deliveries; i++ {
				if _, err := g.Do(context.Background(), "evt", "webhook", func(context.Context) error {
					effects++
					return nil
				}); err != nil {
					return false
				}
			}
			return effects == 1
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

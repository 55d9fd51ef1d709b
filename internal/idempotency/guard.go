// Package idempotency makes side effects of external events happen once.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/storage"
)

// Guard claims an event id with a unique insert before running its side
// effect. The store's unique constraint is the lock: concurrent and repeated
// deliveries of the same id see a conflict and skip.
type Guard struct {
	store storage.IdempotencyStore
}

// NewGuard creates a guard over store
func NewGuard(store storage.IdempotencyStore) *Guard {
	return &Guard{store: store}
}

// Do runs fn once per eventID. It returns false without calling fn when the
// event was already claimed. If fn fails the claim is released so a
// redelivery can try again.
func (g *Guard) Do(ctx context.Context, eventID, source string, fn func(ctx context.Context) error) (bool, error) {
	if eventID == "" {
		return false, errors.New("idempotency: empty event id")
	}

	claimed, err := g.store.Insert(ctx, eventID, source)
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s: %w", eventID, err)
	}
	if !claimed {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"eventId": eventID,
			"source":  source,
		}).Info("Event already processed, skipping")
		return false, nil
	}

	if err := fn(ctx); err != nil {
		if relErr := g.store.Delete(context.WithoutCancel(ctx), eventID); relErr != nil {
			logging.FromContext(ctx).WithError(relErr).WithField("eventId", eventID).
				Error("Failed to release idempotency claim; redelivery will be skipped")
			return true, errors.Join(err, relErr)
		}
		return true, err
	}
	return true, nil
}

package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scan-engine/internal/budget"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/retry"
	"github.com/scan-engine/internal/types"
)

// PartialError reports pagination cut short by the budget after at least
// one page was read. Fetch returns it alongside the items gathered so far.
type PartialError struct {
	Account string
	Pages   int
	Cause   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("fetch %s stopped after %d pages: %v", e.Account, e.Pages, e.Cause)
}

func (e *PartialError) Unwrap() error {
	return e.Cause
}

// IsPartial reports whether err marks an incomplete fetch
func IsPartial(err error) bool {
	var pe *PartialError
	return errors.As(err, &pe)
}

// Fetcher paginates an account's content back to the lookback cutoff
type Fetcher struct {
	source   PageSource
	policy   retry.Policy
	maxPages int
	costs    *budget.CostRegistry
	now      func() time.Time
}

// NewFetcher creates a fetcher. Only retryable errors are retried,
// whatever predicate policy carries.
func NewFetcher(source PageSource, policy retry.Policy, maxPages int, costs *budget.CostRegistry) *Fetcher {
	if maxPages < 1 {
		maxPages = 1
	}
	if costs == nil {
		costs = budget.NewCostRegistry(nil)
	}
	policy.Retryable = apperrors.IsRetryable
	return &Fetcher{
		source:   source,
		policy:   policy,
		maxPages: maxPages,
		costs:    costs,
		now:      time.Now,
	}
}

// MaxPages returns the page cap per account
func (f *Fetcher) MaxPages() int {
	return f.maxPages
}

// MaxAttempts returns the attempts allowed per page, retries included
func (f *Fetcher) MaxAttempts() int {
	if f.policy.MaxAttempts < 1 {
		return 1
	}
	return f.policy.MaxAttempts
}

// Fetch returns the account's items published inside window. Every page
// attempt, retries included, is paid from tracker. When the tracker runs dry
// before the first page the budget error is returned; after that, the items
// gathered so far come back with a *PartialError so callers never mistake
// them for the whole window. A nil tracker is unlimited.
func (f *Fetcher) Fetch(ctx context.Context, account string, window types.Window, tracker *budget.Tracker) ([]models.ContentItem, error) {
	logger := logging.FromContext(ctx).WithField("account", account)
	cutoff := window.Cutoff(f.now())
	pageCost := f.costs.GetCost(budget.OpFetchPage)

	var (
		items  []models.ContentItem
		cursor string
	)

	for page := 0; page < f.maxPages; page++ {
		var result *Page
		res := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) error {
			if tracker != nil && !tracker.TrySpend(pageCost) {
				return apperrors.NewBudgetExhaustedError(tracker.Used(), tracker.Limit())
			}
			p, err := f.source.FetchPage(ctx, account, cursor)
			if err != nil {
				metrics.UpstreamPages.WithLabelValues(outcomeOf(err)).Inc()
				return err
			}
			metrics.UpstreamPages.WithLabelValues("ok").Inc()
			result = p
			return nil
		})

		if err := res.Err(); err != nil {
			if apperrors.Is(res.LastError, apperrors.CategoryBudget) {
				logger.WithField("pages", page).Debug("Budget exhausted during pagination")
				if page == 0 {
					return nil, res.LastError
				}
				if items == nil {
					items = []models.ContentItem{}
				}
				return items, &PartialError{Account: account, Pages: page, Cause: res.LastError}
			}
			return nil, fmt.Errorf("fetch %s page %d: %w", account, page, res.LastError)
		}

		reachedCutoff := false
		for _, item := range result.Items {
			if !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
				reachedCutoff = true
				continue
			}
			items = append(items, item)
		}

		if reachedCutoff || result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	return items, nil
}

func outcomeOf(err error) string {
	switch {
	case apperrors.IsPermanent(err):
		return "permanent"
	case apperrors.IsRetryable(err):
		return "transient"
	default:
		return "error"
	}
}

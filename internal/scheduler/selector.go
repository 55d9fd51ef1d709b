package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/storage"
)

// StaleMessage is written to schedules reset by the maintenance pass
const StaleMessage = "scan did not finish in time; it will run again at the next scheduled time"

// Dispatcher starts a scan for a claimed schedule
type Dispatcher interface {
	Dispatch(ctx context.Context, schedule *models.Schedule) error
}

// Config configures a Selector
type Config struct {
	Tolerance   time.Duration
	Cooldown    time.Duration
	StaleAfter  time.Duration
	MaxPerTick  int
	Concurrency int
}

// TickResult summarizes one pass
type TickResult struct {
	Evaluated  int   `json:"evaluated"`
	Due        int   `json:"due"`
	Dispatched int   `json:"dispatched"`
	ClaimLost  int   `json:"claimLost"`
	Failed     int   `json:"failed"`
	StaleReset int64 `json:"staleReset"`
}

// Selector evaluates enabled schedules once per tick
type Selector struct {
	store      storage.ScheduleStore
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
}

// NewSelector creates a selector
func NewSelector(store storage.ScheduleStore, dispatcher Dispatcher, cfg Config) *Selector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Selector{store: store, dispatcher: dispatcher, cfg: cfg, now: time.Now}
}

// Tick resets stale runs, then claims and dispatches every due schedule.
// Each schedule is claimed with a conditional update before dispatch so a
// concurrent tick cannot fire it again.
func (s *Selector) Tick(ctx context.Context) (*TickResult, error) {
	logger := logging.FromContext(ctx)
	now := s.now()
	result := &TickResult{}

	if s.cfg.StaleAfter > 0 {
		n, err := s.store.ResetStale(ctx, now, s.cfg.StaleAfter, StaleMessage)
		if err != nil {
			logger.WithError(err).Warn("Failed to reset stale schedules")
		} else if n > 0 {
			result.StaleReset = n
			metrics.StaleResets.Add(float64(n))
			logger.WithField("count", n).Warn("Reset schedules stuck in running")
		}
	}

	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return nil, apperrors.NewDatabaseError("list schedules", err)
	}
	result.Evaluated = len(schedules)

	var due []*models.Schedule
	for _, sched := range schedules {
		if ok, _ := IsDue(sched, now, s.cfg.Tolerance, s.cfg.Cooldown); ok {
			due = append(due, sched)
		}
	}
	result.Due = len(due)
	if s.cfg.MaxPerTick > 0 && len(due) > s.cfg.MaxPerTick {
		logger.WithFields(map[string]interface{}{
			"due":   len(due),
			"limit": s.cfg.MaxPerTick,
		}).Warn("More schedules due than the per-tick limit; the rest wait for the next tick")
		due = due[:s.cfg.MaxPerTick]
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, sched := range due {
		g.Go(func() error {
			outcome := s.fire(gctx, sched, now)
			mu.Lock()
			switch outcome {
			case "dispatched":
				result.Dispatched++
			case "claim_lost":
				result.ClaimLost++
			default:
				result.Failed++
			}
			mu.Unlock()
			metrics.SchedulesFired.WithLabelValues(outcome).Inc()
			return nil
		})
	}
	_ = g.Wait()

	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	if result.Due > 0 {
		logger.WithFields(map[string]interface{}{
			"evaluated":  result.Evaluated,
			"due":        result.Due,
			"dispatched": result.Dispatched,
			"claimLost":  result.ClaimLost,
			"failed":     result.Failed,
		}).Info("Scheduler tick complete")
	}
	return result, nil
}

func (s *Selector) fire(ctx context.Context, sched *models.Schedule, now time.Time) string {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"scheduleId": sched.ID,
		"tenantId":   sched.TenantID,
	})

	claimed, err := s.store.ClaimForRun(ctx, sched.ID, now, s.cfg.Cooldown)
	if err != nil {
		logger.WithError(err).Error("Failed to claim schedule")
		return "failed"
	}
	if !claimed {
		logger.Debug("Schedule claimed by another tick")
		return "claim_lost"
	}

	at := now
	sched.LastRunAt = &at
	sched.LastRunStatus = models.RunStatusRunning

	if err := s.dispatcher.Dispatch(logging.WithLogger(ctx, logger), sched); err != nil {
		msg := apperrors.UserMessage(err)
		logger.WithError(err).WithField("message", msg).Warn("Dispatch failed")
		if uErr := s.store.UpdateRunStatus(context.WithoutCancel(ctx), sched.ID, models.RunStatusError, msg); uErr != nil {
			logger.WithError(uErr).Error("Failed to record dispatch failure")
		}
		return "failed"
	}
	return "dispatched"
}

// Run ticks every interval until ctx is done, starting immediately
func (s *Selector) Run(ctx context.Context, interval time.Duration) error {
	logger := logging.FromContext(ctx)
	logger.WithField("interval", interval.String()).Info("Scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Scheduler tick failed")
		}

		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

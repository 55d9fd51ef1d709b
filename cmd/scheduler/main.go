// Package main runs the due-job selector on a fixed tick.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/scan-engine/internal/app"
	"github.com/scan-engine/internal/config"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/scheduler"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, "scheduler")

	engine, err := app.New(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer engine.Close()

	selector := scheduler.NewSelector(engine.Schedules, engine.ScheduleDispatcher(), scheduler.Config{
		Tolerance:  cfg.Scheduler.DueTolerance,
		Cooldown:   cfg.Scheduler.Cooldown,
		StaleAfter: cfg.Scheduler.StaleAfter,
		MaxPerTick: cfg.Scheduler.MaxDispatchPer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(map[string]interface{}{
		"interval":   cfg.Scheduler.TickInterval.String(),
		"mode":       cfg.Scan.Mode,
		"staleAfter": cfg.Scheduler.StaleAfter.String(),
	}).Info("Scheduler started")

	if err := selector.Run(logging.WithLogger(ctx, logger), cfg.Scheduler.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Scheduler stopped with error")
	}

	logger.Info("Scheduler exited")
}

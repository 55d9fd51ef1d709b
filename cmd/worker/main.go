// Package main consumes fetch and analyze messages.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scan-engine/internal/app"
	"github.com/scan-engine/internal/config"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/retry"
	"github.com/scan-engine/internal/scan"
	"github.com/scan-engine/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, "worker")

	engine, err := app.New(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer engine.Close()

	router := queue.NewRouter()
	scan.RegisterHandlers(router, engine.FetchWorker, engine.Poller)

	backoff := retry.DefaultPolicy()
	backoff.Retryable = apperrors.IsRetryable

	consumer, err := worker.NewConsumer(engine.Queue, router, worker.ConsumerConfig{
		Queues:       []string{cfg.Queue.FetchQueue, cfg.Queue.AnalyzeQueue},
		Workers:      cfg.Queue.Workers,
		Visibility:   cfg.Queue.VisibilityTimeout,
		PollInterval: cfg.Queue.PollInterval,
		Backoff:      backoff,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create consumer")
	}

	ctx := logging.WithLogger(context.Background(), logger)
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start consumer")
	}

	logger.WithField("kinds", router.Kinds()).Info("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.VisibilityTimeout)
	defer cancel()
	if err := consumer.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Consumer did not stop cleanly")
	}
	logger.Info("Worker exited")
}

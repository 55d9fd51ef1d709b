// Package worker runs the queue consumer loop that feeds messages to the
// scan handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/queue"
	"github.com/scan-engine/internal/retry"
)

// Receiver is the queue surface the consumer needs. queue.RedisQueue
// implements it.
type Receiver interface {
	Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) (bool, error)
	RequeueExpired(ctx context.Context, queueName string) (int, error)
}

// Dispatcher hands a message to its handler. queue.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *queue.Message) error
}

// ConsumerConfig holds configuration for a consumer
type ConsumerConfig struct {
	Queues       []string
	Workers      int
	Visibility   time.Duration
	PollInterval time.Duration
	// Backoff sets the redelivery delay of messages whose handler failed
	// with a retryable error.
	Backoff retry.Policy
}

// Consumer polls queues and runs handlers on a bounded pool. Handler errors
// that are retryable are nacked with backoff; the queue dead-letters a
// message after its delivery limit. Other errors are logged and acked.
type Consumer struct {
	receiver   Receiver
	dispatcher Dispatcher
	cfg        ConsumerConfig
	slots      *semaphore.Weighted

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer
func NewConsumer(receiver Receiver, dispatcher Dispatcher, cfg ConsumerConfig) (*Consumer, error) {
	if receiver == nil {
		return nil, fmt.Errorf("receiver cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.DefaultPolicy()
	}

	return &Consumer{
		receiver:   receiver,
		dispatcher: dispatcher,
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(cfg.Workers)),
	}, nil
}

// Start begins polling in the background
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("consumer is already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"queues":  c.cfg.Queues,
		"workers": c.cfg.Workers,
	}).Info("Queue consumer started")

	go c.loop(ctx)
	return nil
}

// Stop stops polling and waits for in-flight handlers or ctx
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer is not running")
	}
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	logging.FromContext(ctx).Info("Queue consumer stopped")
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.doneCh)
	logger := logging.FromContext(ctx)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Queue poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// PollOnce requeues expired claims, then receives as many messages as there
// are free workers on each queue and starts handling them. It returns the
// number of messages started.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	started := 0
	var errs []error

	for _, q := range c.cfg.Queues {
		if _, err := c.receiver.RequeueExpired(ctx, q); err != nil {
			errs = append(errs, err)
		}

		free := c.freeSlots()
		if free == 0 {
			break
		}
		deliveries, err := c.receiver.Receive(ctx, q, free, c.cfg.Visibility)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, d := range deliveries {
			if err := c.slots.Acquire(ctx, 1); err != nil {
				// The claim expires and the message is redelivered.
				return started, err
			}
			started++
			c.wg.Add(1)
			go func(d *queue.Delivery) {
				defer c.wg.Done()
				defer c.slots.Release(1)
				c.handle(ctx, d)
			}(d)
		}
	}
	return started, errors.Join(errs...)
}

// freeSlots counts idle workers without holding them
func (c *Consumer) freeSlots() int {
	n := 0
	for n < c.cfg.Workers && c.slots.TryAcquire(1) {
		n++
	}
	if n > 0 {
		c.slots.Release(int64(n))
	}
	return n
}

// Wait blocks until every started handler has returned
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"queue":      d.Queue,
		"kind":       string(msg.Kind),
		"messageId":  msg.ID,
		"deliveries": msg.Deliveries,
	})

	hctx, cancel := context.WithTimeout(logging.WithLogger(ctx, logger), c.cfg.Visibility)
	err := c.dispatcher.Dispatch(hctx, msg)
	cancel()

	// Acks and nacks must land even when shutdown cancels ctx.
	actx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if aErr := c.receiver.Ack(actx, d); aErr != nil {
			logger.WithError(aErr).Warn("Failed to ack message")
		}

	case errors.Is(err, queue.ErrUnknownKind):
		metrics.QueueMessages.WithLabelValues(d.Queue, string(msg.Kind), "unknown").Inc()
		logger.WithError(err).Error("No handler for message, discarding")
		if aErr := c.receiver.Ack(actx, d); aErr != nil {
			logger.WithError(aErr).Warn("Failed to ack message")
		}

	case apperrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		delay := retry.Delay(c.cfg.Backoff, max(msg.Deliveries, 1))
		dead, nErr := c.receiver.Nack(actx, d, delay)
		switch {
		case nErr != nil:
			logger.WithError(nErr).Warn("Failed to nack message; it will be redelivered after the visibility timeout")
		case dead:
			logger.WithError(err).Error("Message dead-lettered after repeated failures")
		default:
			metrics.QueueMessages.WithLabelValues(d.Queue, string(msg.Kind), "retried").Inc()
			logger.WithError(err).WithField("delay", delay.String()).Warn("Handler failed, message will be retried")
		}

	default:
		metrics.QueueMessages.WithLabelValues(d.Queue, string(msg.Kind), "discarded").Inc()
		logger.WithError(err).Error("Handler failed with a non-retryable error, discarding message")
		if aErr := c.receiver.Ack(actx, d); aErr != nil {
			logger.WithError(aErr).Warn("Failed to ack message")
		}
	}
}

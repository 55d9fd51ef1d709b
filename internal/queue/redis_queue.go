package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
)

// Config configures a RedisQueue
type Config struct {
	MaxBatchSize  int
	MaxDeliveries int
}

// Delivery is a received message together with its receipt
type Delivery struct {
	Queue   string
	Message *Message
}

// RedisQueue is an at-least-once delayed queue on Redis sorted sets.
//
// Each queue keeps three structures: a ready set scored by the time a message
// becomes visible, an in-flight set scored by the visibility deadline, and a
// hash of message bodies. Messages that exceed MaxDeliveries are moved to a
// dead-letter list.
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisQueue creates a queue on top of an existing Redis client
func NewRedisQueue(client *redis.Client, cfg Config) *RedisQueue {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &RedisQueue{client: client, cfg: cfg, now: time.Now}
}

func readyKey(queue string) string      { return "queue:" + queue + ":ready" }
func inflightKey(queue string) string   { return "queue:" + queue + ":inflight" }
func bodiesKey(queue string) string     { return "queue:" + queue + ":bodies" }
func deliveriesKey(queue string) string { return "queue:" + queue + ":deliveries" }
func deadKey(queue string) string       { return "queue:" + queue + ":dead" }

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Send enqueues one message, visible after delay
func (q *RedisQueue) Send(ctx context.Context, queue string, msg *Message, delay time.Duration) error {
	if err := q.send(ctx, queue, []*Message{msg}, delay); err != nil {
		metrics.QueueMessages.WithLabelValues(queue, string(msg.Kind), "send_failed").Inc()
		return err
	}
	metrics.QueueMessages.WithLabelValues(queue, string(msg.Kind), "sent").Inc()
	return nil
}

// SendBatch enqueues messages for immediate delivery, split into groups of at
// most MaxBatchSize per round trip.
func (q *RedisQueue) SendBatch(ctx context.Context, queue string, msgs []*Message) error {
	for start := 0; start < len(msgs); start += q.cfg.MaxBatchSize {
		end := min(start+q.cfg.MaxBatchSize, len(msgs))
		if err := q.send(ctx, queue, msgs[start:end], 0); err != nil {
			return fmt.Errorf("failed to send batch %d-%d: %w", start, end, err)
		}
		for _, m := range msgs[start:end] {
			metrics.QueueMessages.WithLabelValues(queue, string(m.Kind), "sent").Inc()
		}
	}
	return nil
}

func (q *RedisQueue) send(ctx context.Context, queue string, msgs []*Message, delay time.Duration) error {
	now := q.now()
	visibleAt := millis(now.Add(delay))

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			if err := msg.Validate(); err != nil {
				return err
			}
			if msg.EnqueuedAt.IsZero() {
				msg.EnqueuedAt = now
			}
			body, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
			}
			pipe.HSet(ctx, bodiesKey(queue), msg.ID, body)
			pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: visibleAt, Member: msg.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", queue, err)
	}
	return nil
}

var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    local n = redis.call('HINCRBY', KEYS[4], id, 1)
    table.insert(out, id)
    table.insert(out, body)
    table.insert(out, n)
  else
    redis.call('HDEL', KEYS[4], id)
  end
end
return out
`)

// Receive claims up to max visible messages. Claimed messages are hidden for
// the visibility timeout; unless acked they become visible again once
// RequeueExpired runs after the deadline.
func (q *RedisQueue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.now()

	res, err := receiveScript.Run(ctx, q.client,
		[]string{readyKey(queue), inflightKey(queue), bodiesKey(queue), deliveriesKey(queue)},
		strconv.FormatInt(now.UnixMilli(), 10),
		max,
		strconv.FormatInt(now.Add(visibility).UnixMilli(), 10),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
	}

	deliveries := make([]*Delivery, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		id, _ := res[i].(string)
		body, _ := res[i+1].(string)
		count, _ := res[i+2].(int64)

		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"queue":     queue,
				"messageId": id,
			}).Error("Dropping undecodable message")
			if dErr := q.deadLetter(ctx, queue, id, body); dErr != nil {
				return nil, dErr
			}
			continue
		}
		msg.ID = id
		msg.Deliveries = int(count)
		deliveries = append(deliveries, &Delivery{Queue: queue, Message: &msg})
	}
	return deliveries, nil
}

// Ack removes a processed message for good
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey(d.Queue), d.Message.ID)
		pipe.HDel(ctx, bodiesKey(d.Queue), d.Message.ID)
		pipe.HDel(ctx, deliveriesKey(d.Queue), d.Message.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.Message.ID, err)
	}
	metrics.QueueMessages.WithLabelValues(d.Queue, string(d.Message.Kind), "acked").Inc()
	return nil
}

// Nack returns a message to the ready set after delay. A message that has
// already been delivered MaxDeliveries times is dead-lettered instead.
// Reports whether the message was dead-lettered.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) (bool, error) {
	if d.Message.Deliveries >= q.cfg.MaxDeliveries {
		body, err := q.client.HGet(ctx, bodiesKey(d.Queue), d.Message.ID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("failed to load %s for dead-letter: %w", d.Message.ID, err)
		}
		if err := q.deadLetter(ctx, d.Queue, d.Message.ID, body); err != nil {
			return false, err
		}
		metrics.QueueMessages.WithLabelValues(d.Queue, string(d.Message.Kind), "dead_lettered").Inc()
		return true, nil
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey(d.Queue), d.Message.ID)
		pipe.ZAdd(ctx, readyKey(d.Queue), redis.Z{Score: millis(q.now().Add(delay)), Member: d.Message.ID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to nack %s: %w", d.Message.ID, err)
	}
	metrics.QueueMessages.WithLabelValues(d.Queue, string(d.Message.Kind), "nacked").Inc()
	return false, nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, queue, id, body string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.HDel(ctx, bodiesKey(queue), id)
		pipe.HDel(ctx, deliveriesKey(queue), id)
		if body != "" {
			pipe.RPush(ctx, deadKey(queue), body)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	return nil
}

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RequeueExpired makes messages whose visibility deadline has passed ready
// again. Returns the number of messages moved.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{inflightKey(queue), readyKey(queue)},
		strconv.FormatInt(q.now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired on %s: %w", queue, err)
	}
	if n > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"queue": queue,
			"count": n,
		}).Warn("Requeued messages past their visibility timeout")
	}
	return n, nil
}

// Depth returns the number of ready (including delayed) messages
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, readyKey(queue)).Result()
}

// InFlight returns the number of claimed, unacked messages
func (q *RedisQueue) InFlight(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, inflightKey(queue)).Result()
}

// DeadLetters returns the bodies in the dead-letter list
func (q *RedisQueue) DeadLetters(ctx context.Context, queue string) ([]string, error) {
	return q.client.LRange(ctx, deadKey(queue), 0, -1).Result()
}

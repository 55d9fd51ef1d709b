// Package ratelimit shares an upstream provider's request quota between
// every worker process through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
)

// Default quota configuration values.
const (
	DefaultWindowSize = time.Second
	DefaultMaxWait    = 30 * time.Second
)

// ErrQuotaWaitExceeded is returned by Wait when no slot opened within MaxWait
var ErrQuotaWaitExceeded = errors.New("provider quota wait exceeded")

// Priority selects the pool a request draws from.
type Priority int

const (
	// PriorityHigh is for foreground fetches a job is waiting on. It draws
	// from the reserved pool.
	PriorityHigh Priority = iota
	// PriorityLow is for background cache refreshes. It draws from the
	// shared pool only.
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so quota calls made under it use p
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority set on ctx, PriorityHigh by default
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// Config configures a Quota
type Config struct {
	// Provider names the quota in keys and metrics.
	Provider string
	// Total is the number of units allowed per window across all processes.
	Total int
	// Reserved is the part of Total only PriorityHigh may use.
	Reserved int
	// WindowSize is the fixed window length. Default: 1s.
	WindowSize time.Duration
	// MaxWait bounds how long Wait blocks. Default: 30s.
	MaxWait time.Duration
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("provider name is required")
	}
	if c.Total <= 0 {
		return errors.New("total quota must be positive")
	}
	if c.Reserved < 0 || c.Reserved > c.Total {
		return fmt.Errorf("reserved quota (%d) must be between 0 and total (%d)", c.Reserved, c.Total)
	}
	return nil
}

// Usage is the consumption of the current window
type Usage struct {
	TotalUsed    int       `json:"totalUsed"`
	ReservedUsed int       `json:"reservedUsed"`
	SharedUsed   int       `json:"sharedUsed"`
	Total        int       `json:"total"`
	Reserved     int       `json:"reserved"`
	Shared       int       `json:"shared"`
	WindowStart  time.Time `json:"windowStart"`
}

// Quota is a fixed-window counter in Redis with a reserved pool for
// high-priority callers and a shared pool for the rest. The total counter
// caps both pools together.
type Quota struct {
	redis    redis.Cmdable
	cfg      Config
	shared   int
	windowMs int64
	keyTTL   time.Duration
	now      func() time.Time
}

// consumeScript checks the total and pool counters and increments both
// only when both have room.
var consumeScript = redis.NewScript(`
local totalUsed = tonumber(redis.call('GET', KEYS[1]) or '0')
local poolUsed = tonumber(redis.call('GET', KEYS[2]) or '0')
local units = tonumber(ARGV[1])

if totalUsed + units > tonumber(ARGV[2]) or poolUsed + units > tonumber(ARGV[3]) then
	return 0
end

redis.call('INCRBY', KEYS[1], units)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('INCRBY', KEYS[2], units)
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// NewQuota creates a quota on top of an existing Redis client
func NewQuota(client redis.Cmdable, cfg Config) (*Quota, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota configuration: %w", err)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Quota{
		redis:    client,
		cfg:      cfg,
		shared:   cfg.Total - cfg.Reserved,
		windowMs: cfg.WindowSize.Milliseconds(),
		keyTTL:   2 * cfg.WindowSize,
		now:      time.Now,
	}, nil
}

func (q *Quota) windowStart() int64 {
	ms := q.now().UnixMilli()
	return ms - ms%q.windowMs
}

func (q *Quota) keys(window int64) (total, reserved, shared string) {
	ts := strconv.FormatInt(window, 10)
	prefix := "quota:" + q.cfg.Provider + ":"
	return prefix + "total:" + ts, prefix + "reserved:" + ts, prefix + "shared:" + ts
}

// TryConsume takes units from the pool of priority. When denied it returns
// the time until the next window opens.
func (q *Quota) TryConsume(ctx context.Context, units int, priority Priority) (bool, time.Duration, error) {
	if units <= 0 {
		return true, 0, nil
	}

	window := q.windowStart()
	totalKey, reservedKey, sharedKey := q.keys(window)

	poolKey, poolLimit := sharedKey, q.shared
	if priority == PriorityHigh {
		// High priority may spill into the shared pool; the total key
		// still caps it.
		poolKey, poolLimit = reservedKey, q.cfg.Total
	}

	ok, err := consumeScript.Run(ctx, q.redis, []string{totalKey, poolKey},
		units, q.cfg.Total, poolLimit, q.keyTTL.Milliseconds()).Int()
	if err != nil {
		metrics.ProviderQuota.WithLabelValues(q.cfg.Provider, priority.String(), "error").Inc()
		return false, 0, fmt.Errorf("consume quota: %w", err)
	}
	if ok == 1 {
		metrics.ProviderQuota.WithLabelValues(q.cfg.Provider, priority.String(), "allowed").Inc()
		return true, 0, nil
	}

	metrics.ProviderQuota.WithLabelValues(q.cfg.Provider, priority.String(), "denied").Inc()
	wait := time.Duration(window+q.windowMs-q.now().UnixMilli())*time.Millisecond + time.Millisecond
	return false, wait, nil
}

// Wait blocks until units are granted under the priority carried by ctx.
// A Redis failure lets the request through; the per-process limiter of the
// caller still applies.
func (q *Quota) Wait(ctx context.Context, units int) error {
	priority := PriorityFrom(ctx)
	deadline := q.now().Add(q.cfg.MaxWait)

	for {
		ok, wait, err := q.TryConsume(ctx, units, priority)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("provider", q.cfg.Provider).Warn("Provider quota unavailable, proceeding")
			return nil
		}
		if ok {
			return nil
		}
		if q.now().Add(wait).After(deadline) {
			return ErrQuotaWaitExceeded
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Usage returns the counters of the current window
func (q *Quota) Usage(ctx context.Context) (*Usage, error) {
	window := q.windowStart()
	totalKey, reservedKey, sharedKey := q.keys(window)

	vals, err := q.redis.MGet(ctx, totalKey, reservedKey, sharedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}

	return &Usage{
		TotalUsed:    parseIntOrZero(vals[0]),
		ReservedUsed: parseIntOrZero(vals[1]),
		SharedUsed:   parseIntOrZero(vals[2]),
		Total:        q.cfg.Total,
		Reserved:     q.cfg.Reserved,
		Shared:       q.shared,
		WindowStart:  time.UnixMilli(window),
	}, nil
}

func parseIntOrZero(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Package config provides configuration management for the scan engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Scan      ScanConfig
	Fetch     FetchConfig
	Analysis  AnalysisConfig
	Credits   CreditsConfig
	Payments  PaymentsConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSec and Burst limit each caller of the /api routes.
	RequestsPerSec float64
	Burst          int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	// Backend selects the relational store: "postgres" or "memory".
	Backend string
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds message transport settings
type QueueConfig struct {
	FetchQueue        string
	AnalyzeQueue      string
	MaxBatchSize      int
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	PollInterval      time.Duration
	Workers           int
}

// SchedulerConfig holds due-job selector settings
type SchedulerConfig struct {
	TickInterval   time.Duration
	DueTolerance   time.Duration
	Cooldown       time.Duration
	StaleAfter     time.Duration
	MaxDispatchPer int
}

// ScanConfig holds dispatch and convergence settings
type ScanConfig struct {
	Mode               string // "queued" or "inline"
	ChunkSize          int
	JobTTL             time.Duration
	ChunkTTL           time.Duration
	PollDelay          time.Duration
	MaxPollAttempts    int
	InitialDelayPer    time.Duration
	InitialDelayMin    time.Duration
	InitialDelayMax    time.Duration
	InvocationBudget   int
	FetchConcurrency   int
	InlineDeadline     time.Duration
	ScanCacheTTL       time.Duration
	AnalysisCacheTTL   time.Duration
	FinalizeLockTTL    time.Duration
	DefaultModel       string
	DefaultSelectivity string
}

// FetchConfig holds upstream content provider settings
type FetchConfig struct {
	BaseURL         string
	APIKey          string
	RequestsPerSec  float64
	Timeout         time.Duration
	MaxPages        int
	MaxAttempts     int
	BucketSize      time.Duration
	CacheTTL        time.Duration
	InflightTimeout time.Duration
	// QuotaTotal is the provider allowance per QuotaWindow shared by every
	// worker. Zero disables the shared quota.
	QuotaTotal    int
	QuotaReserved int
	QuotaWindow   time.Duration
}

// AnalysisConfig holds analysis provider settings
type AnalysisConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxBatchBytes  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CreditsConfig holds pricing and free tier settings
type CreditsConfig struct {
	BaseCost             int64
	PerAccountCost       int64
	FreeTierEnabled      bool
	FreeTierAccountLimit int
}

// PaymentsConfig holds webhook verification settings
type PaymentsConfig struct {
	APIURL          string
	APIKey          string
	WebhookSecret   string
	SignatureMaxAge time.Duration
	CreditsPerUnit  int64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	env := &envReader{}
	config := &Config{
		Server: ServerConfig{
			Port:            env.str("SERVER_PORT", "8080"),
			Host:            env.str("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     env.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    env.duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     env.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: env.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestsPerSec:  env.float("SERVER_REQUESTS_PER_SEC", 5),
			Burst:           env.integer("SERVER_BURST", 10),
		},
		Database: DatabaseConfig{
			Backend: env.str("STORE_BACKEND", "postgres"),
			Postgres: PostgresConfig{
				Host:           env.str("POSTGRES_HOST", "localhost"),
				Port:           env.str("POSTGRES_PORT", "5432"),
				Database:       env.str("POSTGRES_DB", "scan_engine"),
				User:           env.str("POSTGRES_USER", "scanner"),
				Password:       env.str("POSTGRES_PASSWORD", ""),
				MaxConnections: env.integer("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     env.str("CLICKHOUSE_HOST", "localhost"),
				Port:     env.str("CLICKHOUSE_PORT", "9000"),
				Database: env.str("CLICKHOUSE_DB", "scan_engine"),
				User:     env.str("CLICKHOUSE_USER", "default"),
				Password: env.str("CLICKHOUSE_PASSWORD", ""),
				Enabled:  env.boolean("CLICKHOUSE_ENABLED", true),
			},
			Redis: RedisConfig{
				Host:           env.str("REDIS_HOST", "localhost"),
				Port:           env.str("REDIS_PORT", "6379"),
				Password:       env.str("REDIS_PASSWORD", ""),
				DB:             env.integer("REDIS_DB", 0),
				MaxConnections: env.integer("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Queue: QueueConfig{
			FetchQueue:        env.str("QUEUE_FETCH_NAME", "scan-fetch"),
			AnalyzeQueue:      env.str("QUEUE_ANALYZE_NAME", "scan-analyze"),
			MaxBatchSize:      env.integer("QUEUE_MAX_BATCH_SIZE", 100),
			VisibilityTimeout: env.duration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			MaxDeliveries:     env.integer("QUEUE_MAX_DELIVERIES", 5),
			PollInterval:      env.duration("QUEUE_POLL_INTERVAL", time.Second),
			Workers:           env.integer("QUEUE_WORKERS", 4),
		},
		Scheduler: SchedulerConfig{
			TickInterval:   env.duration("SCHEDULER_TICK_INTERVAL", time.Minute),
			DueTolerance:   env.duration("SCHEDULER_DUE_TOLERANCE", 5*time.Minute),
			Cooldown:       env.duration("SCHEDULER_COOLDOWN", 55*time.Minute),
			StaleAfter:     env.duration("SCHEDULER_STALE_AFTER", 0),
			MaxDispatchPer: env.integer("SCHEDULER_MAX_DISPATCH_PER_TICK", 50),
		},
		Scan: ScanConfig{
			Mode:               env.str("SCAN_MODE", "queued"),
			ChunkSize:          env.integer("SCAN_CHUNK_SIZE", 30),
			JobTTL:             env.duration("SCAN_JOB_TTL", 3*time.Hour),
			ChunkTTL:           env.duration("SCAN_CHUNK_TTL", 3*time.Hour),
			PollDelay:          env.duration("SCAN_POLL_DELAY", 15*time.Second),
			MaxPollAttempts:    env.integer("SCAN_MAX_POLL_ATTEMPTS", 20),
			InitialDelayPer:    env.duration("SCAN_INITIAL_DELAY_PER_CHUNK", 10*time.Second),
			InitialDelayMin:    env.duration("SCAN_INITIAL_DELAY_MIN", 15*time.Second),
			InitialDelayMax:    env.duration("SCAN_INITIAL_DELAY_MAX", 2*time.Minute),
			InvocationBudget:   env.integer("SCAN_INVOCATION_BUDGET", 300),
			FetchConcurrency:   env.integer("SCAN_FETCH_CONCURRENCY", 5),
			InlineDeadline:     env.duration("SCAN_INLINE_DEADLINE", 5*time.Minute),
			ScanCacheTTL:       env.duration("SCAN_CACHE_TTL", 6*time.Hour),
			AnalysisCacheTTL:   env.duration("SCAN_ANALYSIS_CACHE_TTL", 24*time.Hour),
			FinalizeLockTTL:    env.duration("SCAN_FINALIZE_LOCK_TTL", 15*time.Minute),
			DefaultModel:       env.str("SCAN_DEFAULT_MODEL", "standard"),
			DefaultSelectivity: env.str("SCAN_DEFAULT_SELECTIVITY", "balanced"),
		},
		Fetch: FetchConfig{
			BaseURL:         env.str("CONTENT_API_URL", ""),
			APIKey:          env.str("CONTENT_API_KEY", ""),
			RequestsPerSec:  env.float("CONTENT_REQUESTS_PER_SECOND", 5),
			Timeout:         env.duration("CONTENT_TIMEOUT", 15*time.Second),
			MaxPages:        env.integer("CONTENT_MAX_PAGES", 3),
			MaxAttempts:     env.integer("CONTENT_MAX_ATTEMPTS", 4),
			BucketSize:      env.duration("CONTENT_CACHE_BUCKET", 8*time.Hour),
			CacheTTL:        env.duration("CONTENT_CACHE_TTL", 16*time.Hour),
			InflightTimeout: env.duration("CONTENT_INFLIGHT_TIMEOUT", 60*time.Second),
			QuotaTotal:      env.integer("CONTENT_QUOTA_TOTAL", 0),
			QuotaReserved:   env.integer("CONTENT_QUOTA_RESERVED", 0),
			QuotaWindow:     env.duration("CONTENT_QUOTA_WINDOW", time.Second),
		},
		Analysis: AnalysisConfig{
			BaseURL:        env.str("ANALYSIS_API_URL", ""),
			APIKey:         env.str("ANALYSIS_API_KEY", ""),
			Timeout:        env.duration("ANALYSIS_TIMEOUT", 90*time.Second),
			MaxBatchBytes:  env.integer("ANALYSIS_MAX_BATCH_BYTES", 120_000),
			MaxAttempts:    env.integer("ANALYSIS_MAX_ATTEMPTS", 3),
			InitialBackoff: env.duration("ANALYSIS_INITIAL_BACKOFF", 2*time.Second),
			MaxBackoff:     env.duration("ANALYSIS_MAX_BACKOFF", 30*time.Second),
		},
		Credits: CreditsConfig{
			BaseCost:             int64(env.integer("CREDITS_BASE_COST", 10)),
			PerAccountCost:       int64(env.integer("CREDITS_PER_ACCOUNT", 1)),
			FreeTierEnabled:      env.boolean("CREDITS_FREE_TIER_ENABLED", true),
			FreeTierAccountLimit: env.integer("CREDITS_FREE_TIER_ACCOUNT_LIMIT", 10),
		},
		Payments: PaymentsConfig{
			APIURL:          env.str("PAYMENTS_API_URL", ""),
			APIKey:          env.str("PAYMENTS_API_KEY", ""),
			WebhookSecret:   env.str("PAYMENTS_WEBHOOK_SECRET", ""),
			SignatureMaxAge: env.duration("PAYMENTS_SIGNATURE_MAX_AGE", 5*time.Minute),
			CreditsPerUnit:  int64(env.integer("PAYMENTS_CREDITS_PER_UNIT", 1)),
		},
		Logging: LoggingConfig{
			Level:  env.str("LOG_LEVEL", "info"),
			Format: env.str("LOG_FORMAT", "json"),
		},
	}

	if config.Scheduler.StaleAfter == 0 {
		config.Scheduler.StaleAfter = config.Scan.MaxRunTime() + staleMargin
	}

	if err := errors.Join(env.err(), config.Validate()); err != nil {
		return nil, err
	}

	return config, nil
}

// staleMargin pads the derived stale window for queue delivery lag
const staleMargin = 5 * time.Minute

// MaxRunTime is the longest a scan may legitimately stay running. A queued
// scan waits out the largest initial analyze delay and every poll, then
// finalizes under the finalize lock. An inline scan is bounded by its
// deadline.
func (c ScanConfig) MaxRunTime() time.Duration {
	if c.Mode == "inline" {
		return c.InlineDeadline
	}
	return c.InitialDelayMax + time.Duration(c.MaxPollAttempts)*c.PollDelay + c.FinalizeLockTTL
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Scan.ChunkSize <= 0 {
		errs = append(errs, errors.New("SCAN_CHUNK_SIZE must be positive"))
	}
	if c.Scan.MaxPollAttempts <= 0 {
		errs = append(errs, errors.New("SCAN_MAX_POLL_ATTEMPTS must be positive"))
	}
	if c.Scan.InvocationBudget <= 0 {
		errs = append(errs, errors.New("SCAN_INVOCATION_BUDGET must be positive"))
	}
	if c.Scan.Mode != "queued" && c.Scan.Mode != "inline" {
		errs = append(errs, fmt.Errorf("SCAN_MODE must be queued or inline, got %q", c.Scan.Mode))
	}
	if c.Scan.InitialDelayMin > c.Scan.InitialDelayMax {
		errs = append(errs, errors.New("SCAN_INITIAL_DELAY_MIN cannot exceed SCAN_INITIAL_DELAY_MAX"))
	}
	if run := c.Scan.MaxRunTime(); c.Scheduler.StaleAfter > 0 && c.Scheduler.StaleAfter <= run {
		errs = append(errs, fmt.Errorf("SCHEDULER_STALE_AFTER (%s) must exceed the longest scan run (%s)", c.Scheduler.StaleAfter, run))
	}
	if c.Scheduler.DueTolerance >= c.Scheduler.Cooldown {
		errs = append(errs, errors.New("SCHEDULER_DUE_TOLERANCE must be shorter than SCHEDULER_COOLDOWN"))
	}
	if c.Queue.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("QUEUE_MAX_BATCH_SIZE must be positive"))
	}
	if c.Fetch.QuotaTotal > 0 && c.Fetch.QuotaReserved > c.Fetch.QuotaTotal {
		errs = append(errs, errors.New("CONTENT_QUOTA_RESERVED cannot exceed CONTENT_QUOTA_TOTAL"))
	}
	if c.Database.Backend != "postgres" && c.Database.Backend != "memory" {
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", c.Database.Backend))
	}

	return errors.Join(errs...)
}

// envReader reads typed settings, remembering every malformed value so
// LoadConfig can report them together instead of running on defaults.
type envReader struct {
	errs []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	return parseEnv(e, key, def, strconv.Atoi)
}

func (e *envReader) float(key string, def float64) float64 {
	return parseEnv(e, key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func (e *envReader) boolean(key string, def bool) bool {
	return parseEnv(e, key, def, strconv.ParseBool)
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	return parseEnv(e, key, def, time.ParseDuration)
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func parseEnv[T any](e *envReader, key string, def T, parse func(string) (T, error)) T {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid value %q", key, raw))
		return def
	}
	return v
}

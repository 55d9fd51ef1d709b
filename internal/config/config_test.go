package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "pg.internal")
	t.Setenv("SCAN_CHUNK_SIZE", "25")
	t.Setenv("SCHEDULER_COOLDOWN", "30m")
	t.Setenv("CONTENT_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("CLICKHOUSE_ENABLED", "false")
	t.Setenv("STORE_BACKEND", " memory ")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "pg.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 25, cfg.Scan.ChunkSize)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Cooldown)
	assert.Equal(t, 2.5, cfg.Fetch.RequestsPerSec)
	assert.False(t, cfg.Database.ClickHouse.Enabled)
	assert.Equal(t, "memory", cfg.Database.Backend)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "queued", cfg.Scan.Mode)
	assert.Equal(t, 30, cfg.Scan.ChunkSize)
	assert.Equal(t, 20, cfg.Scan.MaxPollAttempts)
	assert.Equal(t, 15*time.Second, cfg.Scan.PollDelay)
	assert.Equal(t, 300, cfg.Scan.InvocationBudget)
	// 2m initial delay + 20 polls of 15s + 15m finalize lock + 5m margin.
	assert.Equal(t, 27*time.Minute, cfg.Scheduler.StaleAfter)
	assert.Equal(t, 8*time.Hour, cfg.Fetch.BucketSize)
	assert.Zero(t, cfg.Fetch.QuotaTotal, "provider quota is off unless configured")
	assert.Equal(t, 5*time.Minute, cfg.Payments.SignatureMaxAge)
	assert.Equal(t, int64(10), cfg.Credits.BaseCost)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			name: "out of range values",
			env:  map[string]string{"SCAN_CHUNK_SIZE": "0", "SCAN_MODE": "sideways"},
			want: []string{"SCAN_CHUNK_SIZE", "SCAN_MODE"},
		},
		{
			name: "malformed values are reported, not defaulted",
			env:  map[string]string{"QUEUE_WORKERS": "four", "SCAN_POLL_DELAY": "soon", "CLICKHOUSE_ENABLED": "maybe"},
			want: []string{"QUEUE_WORKERS", "SCAN_POLL_DELAY", "CLICKHOUSE_ENABLED"},
		},
		{
			name: "reserved quota above total",
			env:  map[string]string{"CONTENT_QUOTA_TOTAL": "10", "CONTENT_QUOTA_RESERVED": "11"},
			want: []string{"CONTENT_QUOTA_RESERVED"},
		},
		{
			name: "tolerance not shorter than cooldown",
			env:  map[string]string{"SCHEDULER_DUE_TOLERANCE": "1h", "SCHEDULER_COOLDOWN": "1h"},
			want: []string{"SCHEDULER_DUE_TOLERANCE"},
		},
		{
			name: "stale window shorter than a slow scan",
			env:  map[string]string{"SCHEDULER_STALE_AFTER": "10m"},
			want: []string{"SCHEDULER_STALE_AFTER", "22m0s"},
		},
		{
			name: "unknown backend",
			env:  map[string]string{"STORE_BACKEND": "sqlite"},
			want: []string{"STORE_BACKEND"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			for _, key := range tt.want {
				assert.True(t, strings.Contains(err.Error(), key), "error %q should mention %s", err, key)
			}
		})
	}
}

func TestLoadConfig_StaleWindowFollowsScanSettings(t *testing.T) {
	t.Setenv("SCAN_MAX_POLL_ATTEMPTS", "40")
	t.Setenv("SCAN_INITIAL_DELAY_MAX", "5m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Scan.MaxRunTime())
	assert.Equal(t, 35*time.Minute, cfg.Scheduler.StaleAfter)
	assert.Greater(t, cfg.Scheduler.StaleAfter, cfg.Scan.MaxRunTime())

	t.Setenv("SCAN_MODE", "inline")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Scan.InlineDeadline, cfg.Scan.MaxRunTime())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.StaleAfter)
}

func TestPostgresConfig_URL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "scans", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/scans?sslmode=disable", cfg.URL())
}

func TestEnvReader(t *testing.T) {
	t.Setenv("T_INT", "200")
	t.Setenv("T_FLOAT", "0.25")
	t.Setenv("T_BOOL", "true")
	t.Setenv("T_DUR", "90s")
	t.Setenv("T_BLANK", "   ")

	env := &envReader{}
	assert.Equal(t, 200, env.integer("T_INT", 1))
	assert.Equal(t, 0.25, env.float("T_FLOAT", 1))
	assert.True(t, env.boolean("T_BOOL", false))
	assert.Equal(t, 90*time.Second, env.duration("T_DUR", time.Second))
	assert.Equal(t, "fallback", env.str("T_BLANK", "fallback"))
	assert.Equal(t, 7, env.integer("T_UNSET", 7))
	assert.NoError(t, env.err())

	t.Setenv("T_INT", "2x")
	assert.Equal(t, 3, env.integer("T_INT", 3))
	assert.ErrorContains(t, env.err(), `T_INT: invalid value "2x"`)
}

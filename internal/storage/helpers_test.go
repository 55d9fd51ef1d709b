package storage

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scan-engine/internal/config"
	"github.com/scan-engine/migrations"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testRedis starts an in-process Redis and returns a cache bound to it
func testRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// testPostgres connects to a local Postgres and applies migrations,
// skipping the test when none is reachable.
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "scan_engine_test"),
		User:           envOr("POSTGRES_USER", "scanner"),
		Password:       envOr("POSTGRES_PASSWORD", "scanner_dev_password"),
		MaxConnections: 10,
	}

	skipUnlessReachable(t, cfg.Host, cfg.Port)
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), migrations.Postgres, "postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return db
}

// skipUnlessReachable skips quickly instead of waiting out the connect retries
func skipUnlessReachable(t *testing.T, host, port string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), time.Second)
	if err != nil {
		t.Skipf("Skipping test - %s:%s not reachable: %v", host, port, err)
	}
	_ = conn.Close()
}

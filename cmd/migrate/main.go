// Package main applies the embedded schema migrations.
//
// Usage:
//
//	migrate [-target postgres|clickhouse|all] [-action up|down|version]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/scan-engine/internal/config"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/storage"
	"github.com/scan-engine/migrations"
)

func main() {
	target := flag.String("target", "all", "Database to migrate: postgres, clickhouse or all")
	action := flag.String("action", "up", "Postgres action: up, down or version")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, "migrate")

	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), *timeout)
	defer cancel()

	if *target == "postgres" || *target == "all" {
		if err := migratePostgres(cfg.Database.Postgres, *action, logger); err != nil {
			logger.WithError(err).Fatal("Postgres migration failed")
		}
	}
	if *target == "clickhouse" || *target == "all" {
		if !cfg.Database.ClickHouse.Enabled && *target == "all" {
			logger.Info("ClickHouse disabled, skipping")
			return
		}
		if err := migrateClickHouse(ctx, &cfg.Database.ClickHouse, *action); err != nil {
			logger.WithError(err).Fatal("ClickHouse migration failed")
		}
	}
	if *target != "postgres" && *target != "clickhouse" && *target != "all" {
		logger.WithField("target", *target).Fatal("Unknown migration target")
	}
}

func migratePostgres(cfg config.PostgresConfig, action string, logger *logging.Logger) error {
	url := cfg.URL()
	switch action {
	case "up":
		if err := storage.RunMigrations(url, migrations.Postgres, "postgres"); err != nil {
			return err
		}
	case "down":
		if err := storage.RollbackMigrations(url, migrations.Postgres, "postgres"); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	version, dirty, err := storage.MigrationVersion(url, migrations.Postgres, "postgres")
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"action":  action,
		"version": version,
		"dirty":   dirty,
	}).Info("Postgres schema")
	return nil
}

func migrateClickHouse(ctx context.Context, cfg *config.ClickHouseConfig, action string) error {
	if action != "up" {
		return fmt.Errorf("clickhouse supports only the up action, got %q", action)
	}

	db, err := storage.NewClickHouseDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := storage.RunClickHouseMigrations(ctx, db, migrations.ClickHouse, "clickhouse")
	if err != nil {
		return err
	}
	logging.FromContext(ctx).WithField("applied", len(applied)).Info("ClickHouse schema up to date")
	return nil
}

package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/scan-engine/internal/logging"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    String,
    applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(applied_at)
ORDER BY version`

// RunClickHouseMigrations applies the .sql files under dir in name order.
// Applied file names are recorded in schema_migrations and skipped on later
// runs. It returns the names applied by this call.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, files fs.FS, dir string) ([]string, error) {
	logger := logging.FromContext(ctx).WithField("component", "clickhouse_migrate")

	if err := db.Exec(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	applied, err := appliedClickHouseVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	pending, err := pendingMigrations(files, dir, applied)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, name := range pending {
		content, err := fs.ReadFile(files, path.Join(dir, name))
		if err != nil {
			return done, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		statements := splitSQLStatements(string(content))
		for i, stmt := range statements {
			if err := db.Exec(ctx, stmt); err != nil {
				return done, fmt.Errorf("statement %d of %s failed: %w", i+1, name, err)
			}
		}
		if err := db.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			return done, fmt.Errorf("failed to record migration %s: %w", name, err)
		}

		logger.WithFields(map[string]interface{}{
			"file":       name,
			"statements": len(statements),
		}).Info("Applied ClickHouse migration")
		done = append(done, name)
	}

	return done, nil
}

func appliedClickHouseVersions(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Conn().Query(ctx, `SELECT version FROM schema_migrations FINAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// pendingMigrations lists the .sql files under dir not in applied, sorted
func pendingMigrations(files fs.FS, dir string, applied map[string]bool) ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || applied[e.Name()] {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// splitSQLStatements splits a file on statement-ending semicolons,
// skipping comment-only lines.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

// Package migrations embeds the schema files so every binary can apply them.
package migrations

import "embed"

// Postgres holds the golang-migrate files under postgres/
//
//go:embed postgres/*.sql
var Postgres embed.FS

// ClickHouse holds the ordered statements under clickhouse/
//
//go:embed clickhouse/*.sql
var ClickHouse embed.FS

package db

import (
	"context"
	"fmt"
	"strings"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

const schemaVersionTable = "scraper_schema_version"

// migrations returns the schema for the configured driver with table names filled in.
func (d *DB) migrations() []Migration {
	idType, tsType, priceType := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "DOUBLE PRECISION"
	if d.driver == DriverSQLite {
		idType, tsType, priceType = "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "REAL"
	}

	r := strings.NewReplacer(
		"{queue}", d.queue,
		"{locations}", d.locations,
		"{queue_idx}", indexName(d.queue, "claim"),
		"{locations_idx}", indexName(d.locations, "search_text"),
		"{id}", idType,
		"{ts}", tsType,
		"{price}", priceType,
	)

	return []Migration{
		{
			Version: 1,
			Name:    "create_queue_table",
			SQL: r.Replace(`
				CREATE TABLE IF NOT EXISTS {queue} (
					id TEXT PRIMARY KEY,
					type TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'PENDING'
						CHECK(status IN ('PENDING', 'IN_PROGRESS', 'DONE', 'FAILED')),
					search_text TEXT NOT NULL,
					product_id TEXT NOT NULL DEFAULT '',
					error_log TEXT NOT NULL DEFAULT '',
					created_at {ts} NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at {ts} NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS {queue_idx} ON {queue}(type, status, created_at, id);
			`),
		},
		{
			Version: 2,
			Name:    "create_locations_table",
			SQL: r.Replace(`
				CREATE TABLE IF NOT EXISTS {locations} (
					id {id},
					product_id TEXT NOT NULL DEFAULT '',
					search_text TEXT NOT NULL,
					type TEXT NOT NULL DEFAULT '',
					source_updated_at TEXT NOT NULL DEFAULT '',
					product_name TEXT NOT NULL DEFAULT '',
					holder TEXT NOT NULL DEFAULT '',
					manufacturer TEXT NOT NULL DEFAULT '',
					pharmacy_name TEXT NOT NULL,
					phone TEXT NOT NULL DEFAULT '',
					price {price},
					region TEXT NOT NULL DEFAULT '',
					province TEXT NOT NULL DEFAULT '',
					district TEXT NOT NULL DEFAULT '',
					address TEXT NOT NULL DEFAULT '',
					maps_url TEXT NOT NULL DEFAULT '',
					row_hash TEXT NOT NULL,
					created_at {ts} NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at {ts} NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (search_text, pharmacy_name, address, product_name, manufacturer, holder)
				);

				CREATE INDEX IF NOT EXISTS {locations_idx} ON {locations}(search_text);
			`),
		},
	}
}

// migrate applies pending migrations, recording each in the schema version table.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+schemaVersionTable+` (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create %s table: %w", schemaVersionTable, err)
	}

	var currentVersion int
	err := d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+schemaVersionTable).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	d.logger.Debug("current schema version", "version", currentVersion)

	for _, migration := range d.migrations() {
		if migration.Version <= currentVersion {
			continue
		}

		d.logger.Info("applying migration", "version", migration.Version, "name", migration.Name)
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		for _, stmt := range splitStatements(migration.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to execute migration %d (%s): %w", migration.Version, migration.Name, err)
			}
		}

		if _, err := tx.ExecContext(ctx, d.rebindQuery("INSERT INTO "+schemaVersionTable+" (version) VALUES (?)"), migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// splitStatements breaks a migration into single statements so both drivers
// run them under the extended protocol.
func splitStatements(sqlText string) []string {
	var out []string
	for _, stmt := range strings.Split(sqlText, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

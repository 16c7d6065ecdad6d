package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Config contains database configuration
type Config struct {
	Driver         string
	DSN            string
	QueueTable     string
	LocationsTable string
	Migrate        bool // create tables when missing
	Logger         *slog.Logger
}

// DB wraps database operations
type DB struct {
	db        *sql.DB
	driver    string
	queue     string
	locations string
	logger    *slog.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// New creates a new database connection
func New(ctx context.Context, config Config) (*DB, error) {
	if config.Driver != DriverPostgres && config.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
	for _, name := range []string{config.QueueTable, config.LocationsTable} {
		if !identRe.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}

	conn, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every new connection to an in-memory sqlite database is a fresh database
	if config.Driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{
		db:        conn,
		driver:    config.Driver,
		queue:     config.QueueTable,
		locations: config.LocationsTable,
		logger:    config.Logger,
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d.logger = d.logger.With("component", "DB")

	if config.Migrate {
		if err := d.migrate(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return d, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// DB returns the underlying database connection
func (d *DB) DB() *sql.DB {
	return d.db
}

// rebindQuery converts ? placeholders to $1, $2, etc. for PostgreSQL
func (d *DB) rebindQuery(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	paramNum := 1
	for _, char := range query {
		if char == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(char)
		}
	}
	return b.String()
}

// indexName derives an index name from a possibly schema-qualified table.
func indexName(table, suffix string) string {
	return "idx_" + strings.ReplaceAll(table, ".", "_") + "_" + suffix
}

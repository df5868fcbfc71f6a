package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Dialect names the SQL backend. Both share one schema and one set of
// queries; they differ only in transaction options and conflict codes.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Open connects to the history store. postgres:// and postgresql://
// URLs select the postgres driver; anything else is treated as a sqlite
// path. The sqlite DSN forces immediate transactions and a busy timeout
// so concurrent writers queue instead of failing fast.
func Open(databaseURL string) (*sql.DB, Dialect, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("history: open postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}

	dsn := databaseURL
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("history: open sqlite: %w", err)
	}
	return db, DialectSQLite, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS confirmed_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		serial_num INTEGER NOT NULL,
		history_hash TEXT NOT NULL,
		operation TEXT NOT NULL,
		next_id INTEGER,
		user_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_confirmed_history_user_serial
		ON confirmed_history (user_id, serial_num)`,
	`CREATE TABLE IF NOT EXISTS history_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL UNIQUE,
		head_id INTEGER
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS confirmed_history (
		id BIGSERIAL PRIMARY KEY,
		serial_num BIGINT NOT NULL,
		history_hash TEXT NOT NULL,
		operation TEXT NOT NULL,
		next_id BIGINT,
		user_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_confirmed_history_user_serial
		ON confirmed_history (user_id, serial_num)`,
	`CREATE TABLE IF NOT EXISTS history_metadata (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		head_id BIGINT
	)`,
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	schema := sqliteSchema
	if dialect == DialectPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: migrate: %w", err)
		}
	}
	return nil
}

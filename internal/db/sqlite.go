// Package db opens the task store's database connections. SQLite is
// the embedded default; PostgreSQL is available for shared deployments.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const defaultBusyTimeout = 5 * time.Second

// OpenSQLite opens a SQLite database configured for a single writer.
// All task state funnels through one connection, which serializes
// writes and avoids SQLITE_BUSY under concurrent executor callbacks.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	var dsn string
	if isMemoryPath(dbPath) {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	} else {
		normalized := normalizeSQLitePath(dbPath)
		if err := ensureSQLiteDir(normalized); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		// Writer DSN settings:
		// - foreign_keys=on: the logs table cascades on task deletion.
		// - busy_timeout: wait briefly on locks instead of failing.
		// - journal_mode=WAL: readers proceed alongside the single writer.
		// - synchronous=NORMAL: durability/perf tradeoff for app workloads.
		dsn = fmt.Sprintf(
			"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			normalized,
			int(defaultBusyTimeout/time.Millisecond),
		)
	}

	conn, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return conn, nil
}

func isMemoryPath(dbPath string) bool {
	return dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

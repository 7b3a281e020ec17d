// Package storage opens the SQLite database that backs conversation history
// and the dispatch pass log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writers are serialized on a single connection.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
  id         TEXT PRIMARY KEY,
  thread_id  TEXT NOT NULL DEFAULT '',
  run_id     TEXT NOT NULL DEFAULT '',
  input      TEXT NOT NULL,
  output     TEXT NOT NULL DEFAULT '',
  internal   INTEGER NOT NULL DEFAULT 0,
  reply      INTEGER NOT NULL DEFAULT 0,
  hops       INTEGER NOT NULL DEFAULT 0,
  body       JSON NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS pass_log (
  id          TEXT PRIMARY KEY,
  event       TEXT NOT NULL,
  turn_id     TEXT,
  async       INTEGER NOT NULL DEFAULT 0,
  only_notify INTEGER NOT NULL DEFAULT 0,
  status      TEXT NOT NULL,
  invoked     JSON NOT NULL DEFAULT '[]',
  aborted     TEXT,
  aborted_at  TEXT,
  last_error  TEXT,
  started_at  TEXT NOT NULL,
  finished_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS turns_thread_created_at_idx ON turns(thread_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS pass_log_turn_idx ON pass_log(turn_id);`,
		`CREATE INDEX IF NOT EXISTS pass_log_started_at_idx ON pass_log(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

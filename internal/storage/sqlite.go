// Package storage opens the SQLite database that holds task run state and
// invocation history.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var errDetectionUnsupported = errors.New("filesystem detection is unsupported on this platform")

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
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

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_state (
  task         TEXT PRIMARY KEY,
  action_hash  TEXT NOT NULL,
  inputs_hash  TEXT NOT NULL,
  status       TEXT NOT NULL,
  exit_code    INTEGER NOT NULL DEFAULT 0,
  updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS invocations (
  id           TEXT PRIMARY KEY,
  targets      JSON NOT NULL DEFAULT '[]',
  jobs         INTEGER NOT NULL,
  force        INTEGER NOT NULL DEFAULT 0,
  fail_fast    INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  finished_at  TEXT,
  succeeded    INTEGER NOT NULL DEFAULT 0,
  failed       INTEGER NOT NULL DEFAULT 0,
  skipped      INTEGER NOT NULL DEFAULT 0,
  up_to_date   INTEGER NOT NULL DEFAULT 0,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
  invocation_id TEXT NOT NULL REFERENCES invocations(id) ON DELETE CASCADE,
  task          TEXT NOT NULL,
  status        TEXT NOT NULL,
  phase         TEXT,
  exit_code     INTEGER NOT NULL DEFAULT 0,
  action_hash   TEXT,
  inputs_hash   TEXT,
  duration_ms   INTEGER NOT NULL DEFAULT 0,
  finished_at   TEXT NOT NULL,
  last_error    TEXT,
  stderr        TEXT,
  PRIMARY KEY (invocation_id, task)
);`,
		`CREATE INDEX IF NOT EXISTS invocations_started_at_idx ON invocations(started_at);`,
		`CREATE INDEX IF NOT EXISTS task_runs_task_finished_at_idx ON task_runs(task, finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

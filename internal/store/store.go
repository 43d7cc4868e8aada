// Package store is the durable, single-writer SQLite-backed queue that
// owns the authoritative state of every execution row, inference row,
// and node event. Every other component treats it as the only source
// of truth: no in-memory structure in this program is allowed to be
// ahead of what has been committed here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status values shared by executions and inference_queue rows.
const (
	StatusPending         = "PENDING"
	StatusRunning         = "RUNNING"
	StatusCancelRequested = "CANCEL_REQUESTED"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusCanceled        = "CANCELED"
)

const schemaVersion = 1

// Store wraps a single SQLite file. Writes go through a single
// *sql.DB with MaxOpenConns(1): SQLite allows only one writer at a
// time and serializing in the driver avoids SQLITE_BUSY storms under
// normal load, leaving busy_timeout to absorb the rest.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or migrates the SQLite file at path and configures WAL
// mode, a 5 second busy timeout, and synchronous=NORMAL.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA foreign_keys=ON",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("pragma %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only admin queries such as
// the schema and pragma checks in tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version'`)
	var raw string
	switch err := row.Scan(&raw); {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	default:
		fmt.Sscanf(raw, "%d", &current)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return fmt.Errorf("migrate to schema version %d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch version {
	case 1:
		if err := applyV1Schema(ctx, tx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("no migration defined for version %d", version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		fmt.Sprintf("%d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func applyV1Schema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			base_priority INTEGER NOT NULL,
			effective_priority INTEGER NOT NULL,
			source TEXT NOT NULL,
			input TEXT NOT NULL,
			enqueue_ts INTEGER NOT NULL,
			lease_token TEXT,
			lease_expires_at INTEGER,
			started_at INTEGER,
			completed_at INTEGER,
			final_result TEXT,
			error_log TEXT,
			failure_fingerprint TEXT,
			failure_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_claim
			ON executions(status, effective_priority DESC, enqueue_ts ASC)`,

		`CREATE TABLE IF NOT EXISTS inference_queue (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			status TEXT NOT NULL,
			base_priority INTEGER NOT NULL,
			effective_priority INTEGER NOT NULL,
			source TEXT NOT NULL,
			model_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			parameters TEXT NOT NULL,
			enqueue_ts INTEGER NOT NULL,
			lease_token TEXT,
			lease_expires_at INTEGER,
			started_at INTEGER,
			completed_at INTEGER,
			result TEXT,
			tokens_per_second REAL,
			error_log TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inference_claim
			ON inference_queue(status, effective_priority DESC, enqueue_ts ASC)`,

		`CREATE TABLE IF NOT EXISTS node_events (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			ts INTEGER NOT NULL,
			output TEXT,
			error_log TEXT,
			PRIMARY KEY (execution_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_events_node
			ON node_events(execution_id, node_id, seq)`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			payload TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// retryOnBusy retries f with exponential backoff and jitter while it
// returns SQLITE_BUSY/SQLITE_LOCKED, for at most five attempts with
// backoff starting at 10ms. Most contention is already absorbed by busy_timeout inside
// SQLite itself; this is a second layer for the rare case a retriable
// error surfaces up through the driver anyway.
func retryOnBusy(ctx context.Context, f func() error) error {
	const maxAttempts = 5
	base := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(base * time.Duration(1<<attempt))):
		}
	}
	return lastErr
}

func jittered(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2+1)))
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "SQLITE_BUSY", "SQLITE_LOCKED")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

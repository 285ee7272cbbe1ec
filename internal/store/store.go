// Package store persists benchmark records in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/saveenergy/latbench/internal/logging"
)

// ErrRetryable marks failures caused by lock contention. Callers may retry
// the operation; the HTTP layer answers 503.
var ErrRetryable = errors.New("store temporarily unavailable")

const memoryDSN = ":memory:"

type Store struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" keeps everything in process memory.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if path == memoryDSN {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(3)
		db.SetMaxIdleConns(2)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	if path != memoryDSN {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			logging.Warn("store: close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sent REAL NOT NULL,
		received REAL NOT NULL,
		latency REAL NOT NULL,
		jitter REAL NOT NULL,
		under_load INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS payloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data BLOB NOT NULL
	)`,
	// payload_id is a weak reference; the payload may be gone already.
	`CREATE TABLE IF NOT EXISTS pending_deletions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scheduled_at INTEGER NOT NULL,
		payload_id INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_deletions_scheduled_at ON pending_deletions(scheduled_at)`,
	`CREATE TABLE IF NOT EXISTS connection_clocks (
		identity TEXT PRIMARY KEY,
		clock REAL NOT NULL
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// classify joins lock contention errors with ErrRetryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errors.Join(ErrRetryable, err)
		}
	}
	return err
}

// withTx runs fn inside a transaction. fn must only use tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn("store: rollback failed", logging.Field{Key: "error", Value: rbErr})
		}
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

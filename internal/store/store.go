// Package store provides the durable local store backing dukasync's
// offline cache and sync queue.
//
// The store is a single SQLite database (WAL mode) with three partitions:
//
//   - entities: local snapshots of remote records (products, customers,
//     sales, transactions), one row per (entity_type, id)
//   - sync_queue: pending write operations awaiting replay
//   - response_cache: raw cached HTTP responses keyed by request identity,
//     namespaced by the deployed cache version
//
// The database serializes its own transactions, so the higher layers need
// no mutual exclusion beyond the replay-in-progress flag owned by the
// replay engine. Writes are transactional at single-row granularity; no
// partial writes are ever visible.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested entity, operation, or cache
// record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite connection with dukasync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".dukasync/offline.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode keeps reads concurrent with queue/cache writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.path
}

// Close closes the store.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the store schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON mirror of the remote row
		last_written_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_type, id)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		kind TEXT NOT NULL,  -- create, update, delete
		data TEXT,           -- JSON write payload
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		headers TEXT,        -- JSON object of captured request headers
		enqueued_at TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3
	);

	CREATE TABLE IF NOT EXISTS response_cache (
		cache_version TEXT NOT NULL,
		request_key TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,  -- JSON object
		body BLOB,
		stored_at TEXT NOT NULL,
		PRIMARY KEY (cache_version, request_key)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_synced ON entities(entity_type, synced);
	CREATE INDEX IF NOT EXISTS idx_queue_drain ON sync_queue(priority DESC, enqueued_at ASC);
	CREATE INDEX IF NOT EXISTS idx_queue_type ON sync_queue(entity_type);
	CREATE INDEX IF NOT EXISTS idx_cache_version ON response_cache(cache_version);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ClearAll wipes every partition of the store in one transaction.
// Destructive - used by the reset/clear surface and by tests.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"entities", "sync_queue", "response_cache"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// sqlTimeLayout is fixed-width so stored timestamps sort correctly as
// text. RFC3339Nano trims trailing zeros and would break the
// enqueued_at tie-break in replay ordering.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

// timeToString formats a timestamp for SQL storage.
func timeToString(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// stringToTime parses a stored timestamp. Zero time on parse failure.
func stringToTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

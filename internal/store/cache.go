package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CacheRecord is a raw stored HTTP response keyed by request identity.
//
// Records are independent of the entity partition - they cache
// transport-level responses, not domain entities. Each record belongs to
// a cache version namespace; records from older deploys are purged during
// activation (see PurgeOtherVersions).
type CacheRecord struct {
	Version  string
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// PutRecord stores (or overwrites) a cached response.
func (s *Store) PutRecord(ctx context.Context, rec *CacheRecord) error {
	if rec.Version == "" {
		return fmt.Errorf("cache record version is required")
	}
	if rec.Key == "" {
		return fmt.Errorf("cache record key is required")
	}

	headersJSON, err := json.Marshal(rec.Header)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	storedAt := rec.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	query := `
	INSERT INTO response_cache (cache_version, request_key, status, headers, body, stored_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(cache_version, request_key) DO UPDATE SET
		status = excluded.status,
		headers = excluded.headers,
		body = excluded.body,
		stored_at = excluded.stored_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.Version,
		rec.Key,
		rec.Status,
		string(headersJSON),
		rec.Body,
		timeToString(storedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache record %q: %w", rec.Key, err)
	}

	return nil
}

// GetRecord retrieves a cached response by request key within a version
// namespace. Returns ErrNotFound on a cache miss.
func (s *Store) GetRecord(ctx context.Context, version, key string) (*CacheRecord, error) {
	query := `
	SELECT status, headers, body, stored_at
	FROM response_cache
	WHERE cache_version = ? AND request_key = ?
	`

	var headersJSON, storedAt string
	rec := &CacheRecord{Version: version, Key: key}

	err := s.conn.QueryRowContext(ctx, query, version, key).
		Scan(&rec.Status, &headersJSON, &rec.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache record %q: %w", key, err)
	}

	if err := json.Unmarshal([]byte(headersJSON), &rec.Header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	rec.StoredAt = stringToTime(storedAt)

	return rec, nil
}

// DeleteRecord removes a cached response.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteRecord(ctx context.Context, version, key string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM response_cache WHERE cache_version = ? AND request_key = ?`,
		version, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache record %q: %w", key, err)
	}
	return nil
}

// PurgeOtherVersions deletes every cache record whose version doesn't
// match current. Called during activation so a deploy with a bumped cache
// version wipes entries from the previous release.
func (s *Store) PurgeOtherVersions(ctx context.Context, current string) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM response_cache WHERE cache_version != ?`, current)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale cache versions: %w", err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged records: %w", err)
	}

	return purged, nil
}

// CountRecords returns the number of cached responses in a version
// namespace.
func (s *Store) CountRecords(ctx context.Context, version string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM response_cache WHERE cache_version = ?`, version).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache records: %w", err)
	}
	return count, nil
}

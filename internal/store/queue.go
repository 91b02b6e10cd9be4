package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukafiti/dukasync/internal/schema"
)

// QueueStats summarizes the pending operation queue for UI badges.
type QueueStats struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}

// InsertOperation persists a queued operation.
//
// The operation ID must be unique; inserting an existing ID is an error
// so a duplicated enqueue cannot silently double a write.
func (s *Store) InsertOperation(ctx context.Context, op *schema.QueuedOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	headersJSON, err := json.Marshal(op.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
	INSERT INTO sync_queue (
		id, entity_type, kind, data, method, path, headers,
		enqueued_at, priority, attempts, max_attempts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		op.ID,
		string(op.EntityType),
		string(op.Kind),
		string(op.Data),
		op.Method,
		op.Path,
		string(headersJSON),
		timeToString(op.EnqueuedAt),
		int(op.Priority),
		op.Attempts,
		op.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
	}

	return nil
}

// GetOperation retrieves a single queued operation by ID.
// Returns ErrNotFound if the operation doesn't exist.
func (s *Store) GetOperation(ctx context.Context, id string) (*schema.QueuedOperation, error) {
	row := s.conn.QueryRowContext(ctx, selectOperation+` WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return op, nil
}

// ListOperations returns the full pending set in replay order:
// priority descending, then enqueued_at ascending. Non-destructive.
func (s *Store) ListOperations(ctx context.Context) ([]*schema.QueuedOperation, error) {
	query := selectOperation + ` ORDER BY priority DESC, enqueued_at ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*schema.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// IncrementAttempts bumps the attempt counter for an operation and
// returns the new counter value alongside the operation's budget.
// Returns ErrNotFound if the operation doesn't exist.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (attempts, maxAttempts int, err error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment attempts for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, 0, ErrNotFound
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM sync_queue WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read attempts for %s: %w", id, err)
	}

	return attempts, maxAttempts, nil
}

// DeleteOperation removes an operation from the queue.
// Returns nil if the operation doesn't exist (idempotent).
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// Stats returns per-priority counts for the pending queue.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM sync_queue GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch schema.Priority(priority) {
		case schema.PriorityHigh:
			stats.High = count
		case schema.PriorityMedium:
			stats.Medium = count
		default:
			stats.Low = count
		}
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}

	return stats, nil
}

const selectOperation = `
	SELECT id, entity_type, kind, data, method, path, headers,
	       enqueued_at, priority, attempts, max_attempts
	FROM sync_queue`

func scanOperation(row scanner) (*schema.QueuedOperation, error) {
	var op schema.QueuedOperation
	var entityType, kind, enqueuedAt string
	var data, headers sql.NullString
	var priority int

	err := row.Scan(
		&op.ID,
		&entityType,
		&kind,
		&data,
		&op.Method,
		&op.Path,
		&headers,
		&enqueuedAt,
		&priority,
		&op.Attempts,
		&op.MaxAttempts,
	)
	if err != nil {
		return nil, err
	}

	op.EntityType = schema.EntityType(entityType)
	op.Kind = schema.OperationKind(kind)
	op.Priority = schema.Priority(priority)
	op.EnqueuedAt = stringToTime(enqueuedAt)

	if data.Valid && data.String != "" {
		op.Data = []byte(data.String)
	}

	if headers.Valid && headers.String != "" && headers.String != "null" {
		if err := json.Unmarshal([]byte(headers.String), &op.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}

	return &op, nil
}

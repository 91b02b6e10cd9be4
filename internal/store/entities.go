package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukafiti/dukasync/internal/schema"
)

// UpsertEntity inserts or updates a cached entity.
//
// If an entity with the same (entity_type, id) exists, it is overwritten.
// Last write wins; the remote row is the source of truth once synced.
func (s *Store) UpsertEntity(ctx context.Context, e *schema.CachedEntity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	query := `
	INSERT INTO entities (entity_type, id, payload, last_written_at, synced)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		payload = excluded.payload,
		last_written_at = excluded.last_written_at,
		synced = excluded.synced
	`

	_, err := s.conn.ExecContext(ctx, query,
		string(e.EntityType),
		e.ID,
		string(e.Payload),
		timeToString(e.LastWrittenAt),
		boolToInt(e.Synced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s/%s: %w", e.EntityType, e.ID, err)
	}

	return nil
}

// GetEntity retrieves a single cached entity.
// Returns ErrNotFound if no entity exists for the pair.
func (s *Store) GetEntity(ctx context.Context, t schema.EntityType, id string) (*schema.CachedEntity, error) {
	query := `
	SELECT entity_type, id, payload, last_written_at, synced
	FROM entities
	WHERE entity_type = ? AND id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, string(t), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", t, id, err)
	}
	return e, nil
}

// ListEntities returns all cached entities of the given type, ordered by
// last_written_at descending (newest first).
func (s *Store) ListEntities(ctx context.Context, t schema.EntityType) ([]*schema.CachedEntity, error) {
	query := `
	SELECT entity_type, id, payload, last_written_at, synced
	FROM entities
	WHERE entity_type = ?
	ORDER BY last_written_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*schema.CachedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// DeleteEntity removes a cached entity.
// Returns nil if the entity doesn't exist (idempotent).
func (s *Store) DeleteEntity(ctx context.Context, t schema.EntityType, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND id = ?`, string(t), id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s/%s: %w", t, id, err)
	}
	return nil
}

// MarkSynced flips the synced flag on a cached entity after successful
// replay confirmation.
func (s *Store) MarkSynced(ctx context.Context, t schema.EntityType, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE entities SET synced = 1 WHERE entity_type = ? AND id = ?`, string(t), id)
	if err != nil {
		return fmt.Errorf("failed to mark entity %s/%s synced: %w", t, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceEntityID swaps a client-generated local ID for the
// server-assigned ID in a single transaction.
//
// If a row already exists under newID (the server echoed a record we had
// previously cached), the local-ID row is dropped in its favor.
func (s *Store) ReplaceEntityID(ctx context.Context, t schema.EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_type = ? AND id = ?`,
		string(t), newID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for existing entity: %w", err)
	}

	if exists > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE entity_type = ? AND id = ?`,
			string(t), oldID); err != nil {
			return fmt.Errorf("failed to drop local entity %s/%s: %w", t, oldID, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET id = ? WHERE entity_type = ? AND id = ?`,
			newID, string(t), oldID); err != nil {
			return fmt.Errorf("failed to replace entity id %s/%s: %w", t, oldID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CountEntities returns the number of cached entities across all types.
func (s *Store) CountEntities(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

// CountEntitiesByType returns the number of cached entities of one type.
func (s *Store) CountEntitiesByType(ctx context.Context, t schema.EntityType) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE entity_type = ?", string(t)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entities: %w", t, err)
	}
	return count, nil
}

// scanner abstracts sql.Row and sql.Rows for scanEntity.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (*schema.CachedEntity, error) {
	var e schema.CachedEntity
	var entityType, payload, lastWritten string
	var synced int

	if err := row.Scan(&entityType, &e.ID, &payload, &lastWritten, &synced); err != nil {
		return nil, err
	}

	e.EntityType = schema.EntityType(entityType)
	e.Payload = []byte(payload)
	e.LastWrittenAt = stringToTime(lastWritten)
	e.Synced = synced != 0

	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

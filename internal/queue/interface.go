// Package queue provides the durable sync queue for writes that could
// not be confirmed by the remote system.
package queue

import (
	"context"

	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/store"
)

// Manager durably records failed writes and exposes them for prioritized
// replay.
//
// The manager never retries anything itself; the replay engine drains the
// queue through DequeueAll/MarkAttempt/Remove. An operation whose retry
// budget is exhausted is removed and surfaced as a TerminalFailureError,
// never silently dropped.
type Manager interface {
	// Enqueue persists a pending write operation.
	//
	// Missing fields are filled in: a unique ID, attempts = 0, the
	// enqueue timestamp, the retry budget, and the replay priority
	// derived from the operation's entity type (sale = high,
	// product/customer = medium, everything else = low, subject to
	// configured overrides).
	//
	// After persisting, a best-effort wake signal is sent to the replay
	// scheduler so drainage is attempted as soon as connectivity allows.
	// Enqueue never blocks on the wake signal.
	Enqueue(ctx context.Context, op *schema.QueuedOperation) error

	// DequeueAll returns the full pending set ordered by priority
	// descending, then enqueue time ascending. Operations are NOT
	// removed; removal is explicit via Remove after confirmed replay.
	DequeueAll(ctx context.Context) ([]*schema.QueuedOperation, error)

	// MarkAttempt increments the attempt counter for an operation.
	//
	// If the new count reaches the operation's budget, the operation is
	// removed from the queue and a *TerminalFailureError carrying the
	// operation is returned so callers can surface the failure.
	MarkAttempt(ctx context.Context, id string) error

	// Remove deletes an operation after confirmed successful replay.
	// Removing an unknown ID is a no-op.
	Remove(ctx context.Context, id string) error

	// Stats returns per-priority pending counts for UI badges.
	Stats(ctx context.Context) (*store.QueueStats, error)
}

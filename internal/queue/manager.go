package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/store"
)

// TerminalFailureError signals that an operation exhausted its retry
// budget and was removed from the queue.
type TerminalFailureError struct {
	Op *schema.QueuedOperation
}

// Error implements the error interface.
func (e *TerminalFailureError) Error() string {
	return fmt.Sprintf("operation %s (%s %s) failed permanently after %d attempts",
		e.Op.ID, e.Op.Kind, e.Op.EntityType, e.Op.Attempts)
}

// Config holds configuration for the queue manager.
type Config struct {
	// MaxAttempts is the default retry budget for new operations.
	MaxAttempts int

	// PriorityOverrides replaces the built-in priority for specific
	// entity types. The built-in mapping is schema.PriorityFor.
	PriorityOverrides map[schema.EntityType]schema.Priority

	// Wake is a best-effort replay trigger invoked after every enqueue.
	// May be nil.
	Wake func()

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: schema.DefaultMaxAttempts,
		Logger:      log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// manager implements the Manager interface.
type manager struct {
	store  *store.Store
	config *Config
}

// New creates a new queue Manager backed by the given store.
//
// The store must be opened and have schema initialized before passing to
// this function. If config is nil, defaults are used.
func New(st *store.Store, config *Config) Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = schema.DefaultMaxAttempts
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &manager{
		store:  st,
		config: config,
	}
}

// Enqueue implements Manager.Enqueue.
func (m *manager) Enqueue(ctx context.Context, op *schema.QueuedOperation) error {
	if op.ID == "" {
		op.ID = schema.NewOperationID()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = m.config.MaxAttempts
	}
	op.Attempts = 0
	op.Priority = m.priorityFor(op.EntityType)

	if err := m.store.InsertOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}

	m.config.Logger.Printf("Queued %s %s (id=%s, priority=%s)",
		op.Kind, op.EntityType, op.ID, op.Priority)

	// Best-effort: replay as soon as connectivity allows.
	if m.config.Wake != nil {
		m.config.Wake()
	}

	return nil
}

// DequeueAll implements Manager.DequeueAll.
func (m *manager) DequeueAll(ctx context.Context) ([]*schema.QueuedOperation, error) {
	ops, err := m.store.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return ops, nil
}

// MarkAttempt implements Manager.MarkAttempt.
func (m *manager) MarkAttempt(ctx context.Context, id string) error {
	attempts, maxAttempts, err := m.store.IncrementAttempts(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt for %s: %w", id, err)
	}

	if attempts < maxAttempts {
		m.config.Logger.Printf("Operation %s failed attempt %d/%d, will retry",
			id, attempts, maxAttempts)
		return nil
	}

	// Retry budget exhausted: remove and surface, never drop silently.
	op, err := m.store.GetOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load terminal operation %s: %w", id, err)
	}

	if err := m.store.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("failed to remove terminal operation %s: %w", id, err)
	}

	m.config.Logger.Printf("Operation %s exhausted retry budget (%d attempts), removed",
		id, attempts)

	return &TerminalFailureError{Op: op}
}

// Remove implements Manager.Remove.
func (m *manager) Remove(ctx context.Context, id string) error {
	if err := m.store.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	return nil
}

// Stats implements Manager.Stats.
func (m *manager) Stats(ctx context.Context) (*store.QueueStats, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return stats, nil
}

// priorityFor resolves the replay priority for an entity type, honoring
// configured overrides.
func (m *manager) priorityFor(t schema.EntityType) schema.Priority {
	if p, ok := m.config.PriorityOverrides[t]; ok {
		return p
	}
	return schema.PriorityFor(t)
}

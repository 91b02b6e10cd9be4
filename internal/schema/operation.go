package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationKind is the type of write a queued operation represents.
type OperationKind string

const (
	// OpCreate inserts a new remote record.
	OpCreate OperationKind = "create"
	// OpUpdate modifies an existing remote record.
	OpUpdate OperationKind = "update"
	// OpDelete removes a remote record.
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is a recognized operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is the retry budget for a queued operation before it
// is removed and surfaced as a terminal failure.
const DefaultMaxAttempts = 3

// QueuedOperation is a pending write not yet confirmed by the remote
// system. It captures enough of the original request (method, path,
// headers, body) for the replay engine to reconstruct it verbatim.
type QueuedOperation struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	Kind       OperationKind   `json:"kind"`
	Data       json.RawMessage `json:"data"`

	// Captured request identity for replay.
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`

	EnqueuedAt  time.Time `json:"enqueued_at"`
	Priority    Priority  `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

// Validate checks if the QueuedOperation has valid field values.
func (op *QueuedOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if op.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	if op.Kind != OpDelete && len(op.Data) == 0 {
		return fmt.Errorf("data is required for %s operations", op.Kind)
	}
	if len(op.Data) > 0 && !json.Valid(op.Data) {
		return fmt.Errorf("data is not valid JSON")
	}
	if op.Method == "" {
		return fmt.Errorf("method is required")
	}
	if op.Path == "" {
		return fmt.Errorf("path is required")
	}
	if op.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	if op.Attempts < 0 {
		return fmt.Errorf("attempts must be non-negative (got %d)", op.Attempts)
	}
	// Zero means the queue has not assigned a retry budget yet.
	if op.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative (got %d)", op.MaxAttempts)
	}
	if op.MaxAttempts > 0 && op.Attempts > op.MaxAttempts {
		return fmt.Errorf("attempts %d exceeds max_attempts %d", op.Attempts, op.MaxAttempts)
	}
	return nil
}

// NewOperationID returns a fresh unique operation ID.
//
// The ID doubles as the Idempotency-Key header during replay, so a
// duplicated replay pass cannot create the same remote record twice.
func NewOperationID() string {
	return uuid.NewString()
}

// Package schema provides the data structures shared by dukasync's
// durable local store, sync queue, and replay engine.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies the kind of remote record a cached entity or
// queued operation refers to.
type EntityType string

const (
	// EntityProduct is an inventory product record.
	EntityProduct EntityType = "product"
	// EntityCustomer is a customer record (including debt balances).
	EntityCustomer EntityType = "customer"
	// EntitySale is a completed sale record.
	EntitySale EntityType = "sale"
	// EntityTransaction is a payment/ledger transaction record.
	EntityTransaction EntityType = "transaction"
)

// Known reports whether t is one of the entity types dukasync ships
// priority rules for. Unknown types are still accepted by the store and
// queue; they simply replay at low priority.
func (t EntityType) Known() bool {
	switch t {
	case EntityProduct, EntityCustomer, EntitySale, EntityTransaction:
		return true
	default:
		return false
	}
}

// Priority orders queued operations for replay.
//
// Sales are revenue-critical and must reconcile first so stock and debt
// figures stay consistent; product and customer writes come next;
// everything else drains last.
type Priority int

const (
	// PriorityLow is the default tier for unclassified writes.
	PriorityLow Priority = iota
	// PriorityMedium covers product and customer writes.
	PriorityMedium
	// PriorityHigh covers sale writes.
	PriorityHigh
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a config string ("high", "medium", "low") to a
// Priority. Unrecognized values map to PriorityLow.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// PriorityFor returns the default replay priority for an entity type.
func PriorityFor(t EntityType) Priority {
	switch t {
	case EntitySale:
		return PriorityHigh
	case EntityProduct, EntityCustomer:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// CachedEntity is a local snapshot of a remote record.
//
// At most one CachedEntity exists per (EntityType, ID) pair. Entities
// created while offline carry a client-generated local ID (see NewLocalID)
// until replay reconciles them with the server-assigned ID.
type CachedEntity struct {
	EntityType    EntityType      `json:"entity_type"`
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	LastWrittenAt time.Time       `json:"last_written_at"`
	Synced        bool            `json:"synced"`
}

// Validate checks if the CachedEntity has valid field values.
func (e *CachedEntity) Validate() error {
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if e.LastWrittenAt.IsZero() {
		return fmt.Errorf("last_written_at is required")
	}
	return nil
}

// localIDPrefix marks client-generated IDs that have not yet been
// reconciled with a server-assigned primary key.
const localIDPrefix = "local-"

// NewLocalID returns a fresh client-generated entity ID.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was generated client-side and still needs
// reconciliation with the server-assigned ID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// EntityID extracts the "id" field from an entity payload. String and
// numeric ids are both accepted; returns "" if the payload has neither.
func EntityID(payload json.RawMessage) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(probe.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

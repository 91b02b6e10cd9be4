package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/dukafiti/dukasync/internal/queue"
	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/store"
)

// ErrReplayInProgress is returned by Sync when another replay pass is
// already draining the queue. Passes are mutually exclusive; the caller
// should rely on the pending trigger rather than spin.
var ErrReplayInProgress = errors.New("replay: pass already in progress")

// Notifier receives replay progress events for the UI layer.
// The gateway's event hub implements this to push WebSocket updates.
type Notifier interface {
	// OnOperationSynced fires after one operation is confirmed remotely.
	OnOperationSynced(op *schema.QueuedOperation)

	// OnTerminalFailure fires when an operation is removed without
	// remote confirmation: HTTP 4xx rejection (status set) or an
	// exhausted retry budget (status zero).
	OnTerminalFailure(op *schema.QueuedOperation, status int)

	// OnPassComplete fires at the end of every replay pass.
	OnPassComplete(result *PassResult)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) OnOperationSynced(*schema.QueuedOperation)      {}
func (NopNotifier) OnTerminalFailure(*schema.QueuedOperation, int) {}
func (NopNotifier) OnPassComplete(*PassResult)                     {}

// PassResult summarizes one replay pass.
type PassResult struct {
	Synced   int           `json:"synced"`
	Requeued int           `json:"requeued"`
	Terminal int           `json:"terminal"`
	Duration time.Duration `json:"duration"`
}

// Config holds configuration for the replay engine.
type Config struct {
	// Notifier receives progress events. Nil means discard.
	Notifier Notifier

	// Logger for replay activity.
	Logger *log.Logger
}

// Engine drains the sync queue through a Transport whenever the
// Scheduler signals. Replay passes are strictly sequential per pass and
// mutually exclusive across passes.
type Engine struct {
	queue     queue.Manager
	store     *store.Store
	transport Transport
	sched     Scheduler
	config    *Config

	// replaying guards against concurrent passes.
	replaying atomic.Bool
}

// New creates a replay engine. If config is nil, defaults are used.
func New(q queue.Manager, st *store.Store, transport Transport, sched Scheduler, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	if config.Notifier == nil {
		config.Notifier = NopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[replay] ", log.LstdFlags)
	}
	return &Engine{
		queue:     q,
		store:     st,
		transport: transport,
		sched:     sched,
		config:    config,
	}
}

// Run blocks, draining the queue whenever the scheduler signals, until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.config.Logger.Println("Replay engine started")

	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Println("Replay engine stopped")
			return nil

		case <-e.sched.Connectivity():
			e.drain(ctx, "connectivity restored")

		case <-e.sched.Ticks():
			e.drain(ctx, "periodic")

		case <-e.sched.Manual():
			e.drain(ctx, "manual")
		}
	}
}

// drain runs one pass, logging instead of propagating failures so the
// trigger loop keeps running.
func (e *Engine) drain(ctx context.Context, reason string) {
	result, err := e.Sync(ctx)
	if errors.Is(err, ErrReplayInProgress) {
		return
	}
	if err != nil {
		e.config.Logger.Printf("Replay pass (%s) failed: %v", reason, err)
		return
	}
	if result.Synced > 0 || result.Requeued > 0 || result.Terminal > 0 {
		e.config.Logger.Printf("Replay pass (%s): synced=%d requeued=%d terminal=%d in %v",
			reason, result.Synced, result.Requeued, result.Terminal,
			result.Duration.Round(time.Millisecond))
	}
}

// Sync drains the queue once: operations in priority-then-age order,
// strictly sequential so writes against the same entity never reorder.
//
// Returns ErrReplayInProgress if another pass is already running; no two
// passes ever drain the queue simultaneously. The pass runs to
// completion; there is no user-facing cancellation of in-flight replay
// beyond ctx.
func (e *Engine) Sync(ctx context.Context) (*PassResult, error) {
	if !e.replaying.CompareAndSwap(false, true) {
		return nil, ErrReplayInProgress
	}
	defer e.replaying.Store(false)

	start := time.Now()
	result := &PassResult{}

	ops, err := e.queue.DequeueAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending operations: %w", err)
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}

		outcome, err := e.transport.Replay(ctx, op)
		if err != nil {
			// Transport failure or timeout: retry-eligible.
			e.config.Logger.Printf("Replay of %s failed: %v", op.ID, err)
			e.recordFailure(ctx, op, 0, result)
			continue
		}

		switch {
		case outcome.Success():
			if err := e.apply(ctx, op, outcome); err != nil {
				// The remote confirmed the write; local bookkeeping
				// trouble must not resurrect the operation.
				e.config.Logger.Printf("Failed to apply outcome of %s locally: %v", op.ID, err)
			}
			if err := e.queue.Remove(ctx, op.ID); err != nil {
				e.config.Logger.Printf("Failed to remove synced operation %s: %v", op.ID, err)
			}
			result.Synced++
			e.config.Notifier.OnOperationSynced(op)

		case outcome.Permanent():
			// The remote rejected the request; retrying cannot help.
			e.config.Logger.Printf("Operation %s rejected with status %d, removing",
				op.ID, outcome.Status)
			if err := e.queue.Remove(ctx, op.ID); err != nil {
				e.config.Logger.Printf("Failed to remove rejected operation %s: %v", op.ID, err)
			}
			result.Terminal++
			e.config.Notifier.OnTerminalFailure(op, outcome.Status)

		default:
			// 5xx: the remote is unhealthy, retry later.
			e.recordFailure(ctx, op, outcome.Status, result)
		}
	}

	result.Duration = time.Since(start)
	e.config.Notifier.OnPassComplete(result)

	return result, nil
}

// recordFailure marks a failed attempt and surfaces terminal failures.
func (e *Engine) recordFailure(ctx context.Context, op *schema.QueuedOperation, status int, result *PassResult) {
	err := e.queue.MarkAttempt(ctx, op.ID)

	var terminal *queue.TerminalFailureError
	if errors.As(err, &terminal) {
		result.Terminal++
		e.config.Notifier.OnTerminalFailure(terminal.Op, status)
		return
	}
	if err != nil {
		e.config.Logger.Printf("Failed to mark attempt for %s: %v", op.ID, err)
	}

	result.Requeued++
}

// apply updates the local entity cache after a confirmed replay: the
// entity is marked synced, and for creates the client-generated local ID
// is reconciled with the server-assigned one.
func (e *Engine) apply(ctx context.Context, op *schema.QueuedOperation, outcome *Outcome) error {
	localID := schema.EntityID(op.Data)

	if op.Kind == schema.OpDelete {
		if localID == "" {
			return nil
		}
		return e.store.DeleteEntity(ctx, op.EntityType, localID)
	}

	payload := op.Data
	if len(outcome.Body) > 0 && json.Valid(outcome.Body) {
		payload = outcome.Body
	}

	finalID := schema.EntityID(payload)
	if finalID == "" {
		finalID = localID
	}
	if finalID == "" {
		return fmt.Errorf("no entity id in operation %s", op.ID)
	}

	if localID != "" && schema.IsLocalID(localID) && finalID != localID {
		if err := e.store.ReplaceEntityID(ctx, op.EntityType, localID, finalID); err != nil {
			return fmt.Errorf("failed to reconcile local id: %w", err)
		}
	}

	entity := &schema.CachedEntity{
		EntityType:    op.EntityType,
		ID:            finalID,
		Payload:       payload,
		LastWrittenAt: time.Now(),
		Synced:        true,
	}
	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		return fmt.Errorf("failed to upsert synced entity: %w", err)
	}

	return nil
}

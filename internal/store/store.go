package store

import (
	"context"
	"encoding/json"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use; the engine holds no
// long-lived in-memory state, so all coordination happens through the
// store's transactional guarantees.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, params CreateExecutionParams) error
	GetExecution(ctx context.Context, entityType, entityID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// CommitTransition applies a state change in a single transaction:
	// optimistic state check, close of the active tracker, open of the new
	// tracker, and the audit event. A stale FromState yields a
	// CONCURRENT_MODIFICATION error.
	CommitTransition(ctx context.Context, params CommitTransitionParams) error

	// Trackers
	GetTracker(ctx context.Context, id string) (*SLATracker, error)
	// GetActiveTrackers returns the trackers still open for an execution
	// (RUNNING, PAUSED, or BREACHED but not yet closed out), most recently
	// started first. More than one element means the data-integrity
	// invariant was violated upstream.
	GetActiveTrackers(ctx context.Context, entityType, entityID string) ([]*SLATracker, error)
	ListTrackers(ctx context.Context, filter TrackerFilter) ([]*SLATracker, error)
	// UpdateTracker applies a conditional update and reports whether a row
	// matched. A false return with nil error means the condition did not
	// hold (lost race or already-closed tracker), never a store failure.
	UpdateTracker(ctx context.Context, id string, update TrackerUpdate, cond TrackerCond) (bool, error)

	// Events
	AppendEvent(ctx context.Context, event *TransitionEvent) error
	ListEvents(ctx context.Context, entityType, entityID string, since int64) ([]*TransitionEvent, error)

	// Entity documents, the resolver's raw material.
	PutDocument(ctx context.Context, entityType, entityID string, doc json.RawMessage) error
	GetDocument(ctx context.Context, entityType, entityID string) (json.RawMessage, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

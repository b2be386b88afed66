package store

import (
	"time"

	"github.com/avsafe/caseflow/pkg/schema"
)

// Execution is the persisted workflow state of one tracked entity.
// Exactly one row exists per (entity type, entity id) pair.
type Execution struct {
	EntityType   schema.EntityType `json:"entity_type"`
	EntityID     string            `json:"entity_id"`
	CurrentState string            `json:"current_state"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// SLATracker measures time spent in one state against a target duration.
// At most one tracker per execution is RUNNING or PAUSED at a time; the
// store enforces this with a partial unique index.
type SLATracker struct {
	ID              string               `json:"id"`
	EntityType      schema.EntityType    `json:"entity_type"`
	EntityID        string               `json:"entity_id"`
	StateCode       string               `json:"state_code"`
	TargetDays      int                  `json:"target_days"`
	Status          schema.TrackerStatus `json:"status"`
	StartedAt       time.Time            `json:"started_at"`
	DueAt           time.Time            `json:"due_at"`
	PausedAt        *time.Time           `json:"paused_at,omitempty"`
	PausedSeconds   int64                `json:"paused_seconds"`
	BreachedAt      *time.Time           `json:"breached_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	EscalationCount int                  `json:"escalation_count"`
	LastEscalatedAt *time.Time           `json:"last_escalated_at,omitempty"`
}

// TransitionEvent is an immutable audit entry appended on every transition
// with a monotonically increasing per-entity sequence.
type TransitionEvent struct {
	ID         int64             `json:"id"`
	EntityType schema.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Type       string            `json:"event_type"`
	FromState  string            `json:"from_state,omitempty"`
	ToState    string            `json:"to_state,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	Comment    string            `json:"comment,omitempty"`
	TrackerID  string            `json:"tracker_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Sequence   int64             `json:"sequence"`
}

// CommitTransitionParams is everything the store needs to apply a transition
// atomically: the optimistic state check, the tracker swap, and the audit
// event.
type CommitTransitionParams struct {
	EntityType schema.EntityType
	EntityID   string
	FromState  string
	ToState    string
	ActorID    string
	Comment    string
	Now        time.Time

	// NewTracker, when non-nil, opens a fresh tracker for the target state.
	NewTracker *NewTrackerParams
}

// NewTrackerParams describes the tracker opened on state entry.
type NewTrackerParams struct {
	ID         string
	StateCode  string
	TargetDays int
}

// CreateExecutionParams seeds a new execution at its initial state, with an
// optional first tracker.
type CreateExecutionParams struct {
	EntityType   schema.EntityType
	EntityID     string
	InitialState string
	Now          time.Time
	NewTracker   *NewTrackerParams
}

// TrackerUpdate specifies mutable tracker fields. Nil pointers leave the
// column untouched; Clear flags set it to NULL.
type TrackerUpdate struct {
	Status          *schema.TrackerStatus
	TargetDays      *int
	DueAt           *time.Time
	PausedAt        *time.Time
	ClearPausedAt   bool
	PausedSeconds   *int64
	BreachedAt      *time.Time
	ClearBreachedAt bool
	CompletedAt     *time.Time
	EscalationDelta int
	LastEscalatedAt *time.Time
}

// TrackerCond restricts a conditional tracker update. A zero condition
// matches any row with the given id.
type TrackerCond struct {
	Status    *schema.TrackerStatus
	DueBefore *time.Time
}

// TrackerFilter specifies criteria for listing trackers.
type TrackerFilter struct {
	EntityType schema.EntityType
	EntityID   string
	Status     *schema.TrackerStatus
	DueBefore  *time.Time
	DueAfter   *time.Time
	Limit      int
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	EntityType   schema.EntityType
	CurrentState string
	Limit        int
	Offset       int
}

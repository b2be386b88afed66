package schema

import "time"

// TrackerStatus is the lifecycle state of an SLA tracker.
type TrackerStatus string

const (
	TrackerRunning   TrackerStatus = "RUNNING"
	TrackerPaused    TrackerStatus = "PAUSED"
	TrackerBreached  TrackerStatus = "BREACHED"
	TrackerCompleted TrackerStatus = "COMPLETED"
)

// SLAInfo is the computed view of the active tracker for an execution.
type SLAInfo struct {
	TrackerID       string        `json:"tracker_id"`
	EntityType      EntityType    `json:"entity_type"`
	EntityID        string        `json:"entity_id"`
	StateCode       string        `json:"state_code"`
	Status          TrackerStatus `json:"status"`
	TargetDays      int           `json:"target_days"`
	StartedAt       time.Time     `json:"started_at"`
	DueAt           time.Time     `json:"due_at"`
	ElapsedDays     float64       `json:"elapsed_days"`
	RemainingDays   int           `json:"remaining_days"`
	PercentComplete int           `json:"percent_complete"`
	// IsBreached is true once the breach is recorded or the due date has
	// already passed even if the sweep has not yet run. False only means
	// "not yet recorded as overdue".
	IsBreached bool `json:"is_breached"`
}

// SLAStats aggregates tracker counts and completion outcomes.
type SLAStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Breached  int `json:"breached"`
	Completed int `json:"completed"`
	// AverageCompletionDays is the mean active time (pauses excluded) of
	// completed trackers.
	AverageCompletionDays float64 `json:"average_completion_days"`
	// BreachRate is breached / (breached + completed) * 100. Trackers still
	// running are excluded: the rate measures outcomes, not current load.
	BreachRate float64 `json:"breach_rate"`
}

// BreachResult describes one tracker newly transitioned to BREACHED by the
// sweep.
type BreachResult struct {
	TrackerID   string     `json:"tracker_id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	StateCode   string     `json:"state_code"`
	DueAt       time.Time  `json:"due_at"`
	BreachedAt  time.Time  `json:"breached_at"`
	DaysOverdue int        `json:"days_overdue"`
}

// ApproachingBreachInfo describes a RUNNING tracker due within the warning
// window.
type ApproachingBreachInfo struct {
	TrackerID     string     `json:"tracker_id"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	StateCode     string     `json:"state_code"`
	DueAt         time.Time  `json:"due_at"`
	RemainingDays int        `json:"remaining_days"`
}

// SweepResult is the outcome of one breach sweep. Individual tracker failures
// never abort the sweep; they are counted so one corrupt record cannot block
// breach detection for the rest of the portfolio.
type SweepResult struct {
	Breached []BreachResult `json:"breached"`
	Failed   int            `json:"failed"`
}

// --- Engine call surface types ---

// ActorContext identifies the caller taking or inspecting transitions.
// Supplied by the outer authorization layer.
type ActorContext struct {
	ID    string   `json:"id"`
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor carries the given role.
func (a ActorContext) HasRole(role string) bool {
	if a.Role == role {
		return true
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ConditionStatus reports one condition's evaluation for UI display.
type ConditionStatus struct {
	Label string `json:"label"`
	Met   bool   `json:"met"`
}

// TransitionOption is one candidate transition from the current state.
// Blocked transitions are still returned so the caller can show why;
// CanTransition is the authoritative gate and the execute path re-validates.
type TransitionOption struct {
	Code            string            `json:"code"`
	TargetState     string            `json:"target_state"`
	Label           string            `json:"label,omitempty"`
	Style           string            `json:"style,omitempty"`
	CanTransition   bool              `json:"can_transition"`
	RequiresComment bool              `json:"requires_comment,omitempty"`
	Conditions      []ConditionStatus `json:"conditions,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
}

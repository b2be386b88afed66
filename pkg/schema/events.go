package schema

// Transition event types recorded in the audit trail.
const (
	EventTransitionExecuted = "transition.executed"
	EventSLABreached        = "sla.breached"
	EventSLAExtended        = "sla.extended"
	EventSLAPaused          = "sla.paused"
	EventSLAResumed         = "sla.resumed"
)

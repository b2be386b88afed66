// Package notify fans breach and warning notifications out to a pluggable
// sink. The engine ships a structured-log sink; deployments plug in mail or
// chat integrations behind the same interface.
package notify

import (
	"context"
	"log/slog"

	"github.com/avsafe/caseflow/pkg/schema"
)

// Sink receives SLA notifications. Implementations must tolerate repeated
// delivery of the same approaching-breach warning across process restarts;
// only the sweep's in-process dedup guards against repeats.
type Sink interface {
	// NotifyBreach is called once per tracker when the sweep records a breach,
	// and again on each escalation interval while the breach stands.
	NotifyBreach(ctx context.Context, breach schema.BreachResult, escalationCount int)

	// NotifyApproaching is called when a running tracker enters the warning
	// window before its due date.
	NotifyApproaching(ctx context.Context, info schema.ApproachingBreachInfo)
}

// LogSink writes notifications to the structured log. The default sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) NotifyBreach(ctx context.Context, breach schema.BreachResult, escalationCount int) {
	s.logger.WarnContext(ctx, "SLA breached",
		slog.String("tracker_id", breach.TrackerID),
		slog.String("entity_type", string(breach.EntityType)),
		slog.String("entity_id", breach.EntityID),
		slog.String("state", breach.StateCode),
		slog.Time("due_at", breach.DueAt),
		slog.Int("days_overdue", breach.DaysOverdue),
		slog.Int("escalation_count", escalationCount),
	)
}

func (s *LogSink) NotifyApproaching(ctx context.Context, info schema.ApproachingBreachInfo) {
	s.logger.InfoContext(ctx, "SLA approaching breach",
		slog.String("tracker_id", info.TrackerID),
		slog.String("entity_type", string(info.EntityType)),
		slog.String("entity_id", info.EntityID),
		slog.String("state", info.StateCode),
		slog.Time("due_at", info.DueAt),
		slog.Int("remaining_days", info.RemainingDays),
	)
}

// Package sla manages the SLA trackers bound to workflow executions:
// lifecycle, pause/resume accounting, breach detection, and statistics.
package sla

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/avsafe/caseflow/internal/logging"
	"github.com/avsafe/caseflow/internal/store"
	"github.com/avsafe/caseflow/pkg/schema"
)

const day = 24 * time.Hour

// Service provides SLA tracker operations. Stateless between calls: every
// operation is a conditional update against the store, which is what makes
// concurrent request handlers and the periodic sweeper safe side by side.
type Service struct {
	store  store.Store
	logger *slog.Logger

	now func() time.Time
}

// NewService creates an SLA service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetCurrentSLA returns the computed view of the execution's open tracker,
// or nil when the current state carries no SLA. A tracker the sweep has
// flipped to BREACHED stays visible here until the execution transitions
// away. If the at-most-one-active invariant has been violated upstream, the
// most recently started tracker wins and the anomaly is logged.
func (s *Service) GetCurrentSLA(ctx context.Context, entityType schema.EntityType, entityID string) (*schema.SLAInfo, error) {
	trackers, err := s.store.GetActiveTrackers(ctx, string(entityType), entityID)
	if err != nil {
		return nil, err
	}
	if len(trackers) == 0 {
		return nil, nil
	}
	if len(trackers) > 1 {
		ctx := logging.WithEntity(ctx, string(entityType), entityID)
		s.logger.WarnContext(ctx, "multiple active trackers for one execution",
			slog.Int("count", len(trackers)),
		)
	}
	info := computeInfo(trackers[0], s.now())
	return &info, nil
}

// computeInfo derives the display values from a tracker at a point in time.
// Effective elapsed time excludes all completed pauses plus the current
// in-progress pause, clamped at zero.
func computeInfo(t *store.SLATracker, now time.Time) schema.SLAInfo {
	elapsed := now.Sub(t.StartedAt) - time.Duration(t.PausedSeconds)*time.Second
	if t.Status == schema.TrackerPaused && t.PausedAt != nil {
		// The current pause has not yet been folded into the cumulative counter.
		elapsed -= now.Sub(*t.PausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}

	target := time.Duration(t.TargetDays) * day
	remainingDays := 0
	if remaining := target - elapsed; remaining > 0 {
		remainingDays = int(math.Ceil(float64(remaining) / float64(day)))
	}
	percent := 100
	if target > 0 {
		percent = int(math.Round(100 * float64(elapsed) / float64(target)))
		if percent > 100 {
			percent = 100
		}
	}

	return schema.SLAInfo{
		TrackerID:       t.ID,
		EntityType:      t.EntityType,
		EntityID:        t.EntityID,
		StateCode:       t.StateCode,
		Status:          t.Status,
		TargetDays:      t.TargetDays,
		StartedAt:       t.StartedAt,
		DueAt:           t.DueAt,
		ElapsedDays:     float64(elapsed) / float64(day),
		RemainingDays:   remainingDays,
		PercentComplete: percent,
		IsBreached:      t.Status == schema.TrackerBreached || now.After(t.DueAt),
	}
}

// Pause stops the SLA clock. A no-op unless the tracker is RUNNING;
// double-submission of a pause is expected and succeeds silently.
func (s *Service) Pause(ctx context.Context, trackerID string) error {
	now := s.now()
	paused := schema.TrackerPaused
	running := schema.TrackerRunning
	ok, err := s.store.UpdateTracker(ctx, trackerID,
		store.TrackerUpdate{Status: &paused, PausedAt: &now},
		store.TrackerCond{Status: &running},
	)
	if err != nil {
		return err
	}
	if ok {
		s.audit(ctx, trackerID, schema.EventSLAPaused)
	}
	return nil
}

// Resume restarts the SLA clock. The just-finished pause's duration is added
// to the cumulative counter and the due date shifts forward by the same
// amount: pausing never shrinks the grace period, and the two bookkeeping
// values must move together or they drift. A no-op unless the tracker is
// PAUSED.
func (s *Service) Resume(ctx context.Context, trackerID string) error {
	t, err := s.store.GetTracker(ctx, trackerID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeTrackerNotFound {
			return nil
		}
		return err
	}
	if t.Status != schema.TrackerPaused || t.PausedAt == nil {
		return nil
	}

	now := s.now()
	pauseDuration := now.Sub(*t.PausedAt)
	if pauseDuration < 0 {
		pauseDuration = 0
	}
	newPausedSeconds := t.PausedSeconds + int64(pauseDuration.Seconds())
	newDueAt := t.DueAt.Add(pauseDuration)

	running := schema.TrackerRunning
	paused := schema.TrackerPaused
	ok, err := s.store.UpdateTracker(ctx, trackerID,
		store.TrackerUpdate{
			Status:        &running,
			ClearPausedAt: true,
			PausedSeconds: &newPausedSeconds,
			DueAt:         &newDueAt,
		},
		store.TrackerCond{Status: &paused},
	)
	if err != nil {
		return err
	}
	if ok {
		s.audit(ctx, trackerID, schema.EventSLAResumed)
	}
	return nil
}

// Extend adds days to both the target and the due date. A BREACHED tracker
// whose new due date lands in the future is revived to RUNNING with its
// breach cleared; one still overdue after the extension stays breached.
// A no-op on missing or COMPLETED trackers.
func (s *Service) Extend(ctx context.Context, trackerID string, additionalDays int) error {
	if additionalDays <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "additional days must be positive, got %d", additionalDays)
	}

	t, err := s.store.GetTracker(ctx, trackerID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeTrackerNotFound {
			return nil
		}
		return err
	}
	if t.Status == schema.TrackerCompleted {
		return nil
	}

	now := s.now()
	newTarget := t.TargetDays + additionalDays
	newDueAt := t.DueAt.Add(time.Duration(additionalDays) * day)

	update := store.TrackerUpdate{TargetDays: &newTarget, DueAt: &newDueAt}
	if t.Status == schema.TrackerBreached && newDueAt.After(now) {
		running := schema.TrackerRunning
		update.Status = &running
		update.ClearBreachedAt = true
	}

	status := t.Status
	ok, err := s.store.UpdateTracker(ctx, trackerID, update, store.TrackerCond{Status: &status})
	if err != nil {
		return err
	}
	if ok {
		s.audit(ctx, trackerID, schema.EventSLAExtended)
	}
	return nil
}

// IncrementEscalation records one escalation atomically. The notification
// collaborator compares LastEscalatedAt against its cadence before calling,
// so the same breach is not re-escalated every sweep cycle.
func (s *Service) IncrementEscalation(ctx context.Context, trackerID string) error {
	now := s.now()
	_, err := s.store.UpdateTracker(ctx, trackerID,
		store.TrackerUpdate{EscalationDelta: 1, LastEscalatedAt: &now},
		store.TrackerCond{},
	)
	return err
}

// CheckForBreaches is the sweep: every RUNNING tracker past its due date is
// transitioned to BREACHED exactly once. The conditional update re-checks
// status and due date, so a tracker completed or extended between the list
// and the update is silently skipped, and a second sweep over the same data
// finds nothing. Individual tracker failures are counted, never fatal.
func (s *Service) CheckForBreaches(ctx context.Context) (*schema.SweepResult, error) {
	now := s.now()
	running := schema.TrackerRunning
	overdue, err := s.store.ListTrackers(ctx, store.TrackerFilter{
		Status:    &running,
		DueBefore: &now,
	})
	if err != nil {
		return nil, err
	}

	result := &schema.SweepResult{}
	for _, t := range overdue {
		breached := schema.TrackerBreached
		ok, err := s.store.UpdateTracker(ctx, t.ID,
			store.TrackerUpdate{Status: &breached, BreachedAt: &now},
			store.TrackerCond{Status: &running, DueBefore: &now},
		)
		if err != nil {
			result.Failed++
			ctx := logging.WithTrackerID(ctx, t.ID)
			s.logger.ErrorContext(ctx, "failed to record breach", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue // transitioned away or extended since the list
		}
		result.Breached = append(result.Breached, schema.BreachResult{
			TrackerID:   t.ID,
			EntityType:  t.EntityType,
			EntityID:    t.EntityID,
			StateCode:   t.StateCode,
			DueAt:       t.DueAt,
			BreachedAt:  now,
			DaysOverdue: int(now.Sub(t.DueAt) / day),
		})
		s.audit(ctx, t.ID, schema.EventSLABreached)
	}
	return result, nil
}

// GetApproachingBreaches returns RUNNING trackers due within the next
// warningDays. Read-only; used for proactive escalation.
func (s *Service) GetApproachingBreaches(ctx context.Context, warningDays int) ([]schema.ApproachingBreachInfo, error) {
	now := s.now()
	upper := now.Add(time.Duration(warningDays) * day)
	running := schema.TrackerRunning
	trackers, err := s.store.ListTrackers(ctx, store.TrackerFilter{
		Status:    &running,
		DueAfter:  &now,
		DueBefore: &upper,
	})
	if err != nil {
		return nil, err
	}

	infos := make([]schema.ApproachingBreachInfo, 0, len(trackers))
	for _, t := range trackers {
		infos = append(infos, schema.ApproachingBreachInfo{
			TrackerID:     t.ID,
			EntityType:    t.EntityType,
			EntityID:      t.EntityID,
			StateCode:     t.StateCode,
			DueAt:         t.DueAt,
			RemainingDays: int(math.Ceil(float64(t.DueAt.Sub(now)) / float64(day))),
		})
	}
	return infos, nil
}

// GetStats aggregates tracker counts and completion outcomes, optionally
// scoped to one entity type. The breach rate measures outcomes, not current
// load: a breach counts whether or not the tracker was later closed, and
// trackers still running are excluded.
func (s *Service) GetStats(ctx context.Context, entityType schema.EntityType) (*schema.SLAStats, error) {
	trackers, err := s.store.ListTrackers(ctx, store.TrackerFilter{EntityType: entityType})
	if err != nil {
		return nil, err
	}

	stats := &schema.SLAStats{Total: len(trackers)}
	var completionDays float64
	var completedCount, breachedOutcomes, cleanCompleted int
	for _, t := range trackers {
		switch t.Status {
		case schema.TrackerRunning:
			stats.Running++
		case schema.TrackerPaused:
			stats.Paused++
		case schema.TrackerBreached:
			stats.Breached++
		case schema.TrackerCompleted:
			stats.Completed++
		}

		if t.BreachedAt != nil {
			breachedOutcomes++
		}
		if t.Status == schema.TrackerCompleted {
			if t.CompletedAt != nil {
				active := t.CompletedAt.Sub(t.StartedAt) - time.Duration(t.PausedSeconds)*time.Second
				if active < 0 {
					active = 0
				}
				completionDays += float64(active) / float64(day)
				completedCount++
			}
			if t.BreachedAt == nil {
				cleanCompleted++
			}
		}
	}

	if completedCount > 0 {
		stats.AverageCompletionDays = completionDays / float64(completedCount)
	}
	if breachedOutcomes+cleanCompleted > 0 {
		stats.BreachRate = 100 * float64(breachedOutcomes) / float64(breachedOutcomes+cleanCompleted)
	}
	return stats, nil
}

// audit appends an SLA lifecycle event. Audit failures never fail the
// operation itself.
func (s *Service) audit(ctx context.Context, trackerID, eventType string) {
	t, err := s.store.GetTracker(ctx, trackerID)
	if err != nil {
		return
	}
	event := &store.TransitionEvent{
		EntityType: t.EntityType,
		EntityID:   t.EntityID,
		Type:       eventType,
		TrackerID:  trackerID,
		Timestamp:  s.now(),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		ctx := logging.WithTrackerID(ctx, trackerID)
		s.logger.WarnContext(ctx, "failed to append SLA event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avsafe/caseflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedExecution(t *testing.T, s *LibSQLStore, entityID, state string, targetDays int) string {
	t.Helper()
	params := CreateExecutionParams{
		EntityType:   schema.EntityTypeCAP,
		EntityID:     entityID,
		InitialState: state,
		Now:          time.Now().UTC(),
	}
	trackerID := ""
	if targetDays > 0 {
		trackerID = uuid.New().String()
		params.NewTracker = &NewTrackerParams{ID: trackerID, StateCode: state, TargetDays: targetDays}
	}
	require.NoError(t, s.CreateExecution(context.Background(), params))
	return trackerID
}

// --- Executions ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "cap-1", "DRAFT", 0)

	e, err := s.GetExecution(ctx, "CAP", "cap-1")
	require.NoError(t, err)
	assert.Equal(t, schema.EntityTypeCAP, e.EntityType)
	assert.Equal(t, "DRAFT", e.CurrentState)
	assert.EqualValues(t, 0, e.Version)
}

func TestCreateExecution_DuplicateFails(t *testing.T) {
	s := newTestStore(t)

	seedExecution(t, s, "cap-1", "DRAFT", 0)
	err := s.CreateExecution(context.Background(), CreateExecutionParams{
		EntityType:   schema.EntityTypeCAP,
		EntityID:     "cap-1",
		InitialState: "DRAFT",
	})
	require.Error(t, err)
}

func TestCreateExecution_OpensInitialTracker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)
	require.NotEmpty(t, trackerID)

	tr, err := s.GetTracker(ctx, trackerID)
	require.NoError(t, err)
	assert.Equal(t, schema.TrackerRunning, tr.Status)
	assert.Equal(t, "SUBMITTED", tr.StateCode)
	assert.Equal(t, 10, tr.TargetDays)
	assert.WithinDuration(t, tr.StartedAt.Add(10*24*time.Hour), tr.DueAt, time.Second)
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "CAP", "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestGetTracker_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTracker(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTrackerNotFound, schema.ErrorCode(err))
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "cap-1", "DRAFT", 0)
	seedExecution(t, s, "cap-2", "SUBMITTED", 0)

	all, err := s.ListExecutions(ctx, ExecutionFilter{EntityType: schema.EntityTypeCAP})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	drafts, err := s.ListExecutions(ctx, ExecutionFilter{CurrentState: "DRAFT"})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "cap-1", drafts[0].EntityID)
}

// --- CommitTransition ---

func TestCommitTransition_MovesStateAndSwapsTrackers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldTrackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)
	newTrackerID := uuid.New().String()

	err := s.CommitTransition(ctx, CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		FromState:  "SUBMITTED",
		ToState:    "UNDER_REVIEW",
		ActorID:    "user-1",
		Now:        time.Now().UTC(),
		NewTracker: &NewTrackerParams{ID: newTrackerID, StateCode: "UNDER_REVIEW", TargetDays: 20},
	})
	require.NoError(t, err)

	e, err := s.GetExecution(ctx, "CAP", "cap-1")
	require.NoError(t, err)
	assert.Equal(t, "UNDER_REVIEW", e.CurrentState)
	assert.EqualValues(t, 1, e.Version)

	old, err := s.GetTracker(ctx, oldTrackerID)
	require.NoError(t, err)
	assert.Equal(t, schema.TrackerCompleted, old.Status)
	require.NotNil(t, old.CompletedAt)

	fresh, err := s.GetTracker(ctx, newTrackerID)
	require.NoError(t, err)
	assert.Equal(t, schema.TrackerRunning, fresh.Status)
	assert.Equal(t, 20, fresh.TargetDays)

	active, err := s.GetActiveTrackers(ctx, "CAP", "cap-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newTrackerID, active[0].ID)
}

func TestCommitTransition_StaleStateIsConcurrentModification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "cap-1", "SUBMITTED", 0)

	// First caller wins.
	require.NoError(t, s.CommitTransition(ctx, CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		FromState:  "SUBMITTED",
		ToState:    "UNDER_REVIEW",
	}))

	// Second caller still assumes SUBMITTED.
	err := s.CommitTransition(ctx, CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		FromState:  "SUBMITTED",
		ToState:    "REJECTED",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConcurrentModification, schema.ErrorCode(err))
}

func TestCommitTransition_MissingExecutionIsNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.CommitTransition(context.Background(), CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "ghost",
		FromState:  "A",
		ToState:    "B",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestCommitTransition_FoldsInProgressPause(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)

	// Pause the tracker an hour ago.
	paused := schema.TrackerPaused
	running := schema.TrackerRunning
	pausedAt := time.Now().UTC().Add(-time.Hour)
	ok, err := s.UpdateTracker(ctx, trackerID,
		TrackerUpdate{Status: &paused, PausedAt: &pausedAt},
		TrackerCond{Status: &running},
	)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CommitTransition(ctx, CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		FromState:  "SUBMITTED",
		ToState:    "UNDER_REVIEW",
	}))

	tr, err := s.GetTracker(ctx, trackerID)
	require.NoError(t, err)
	assert.Equal(t, schema.TrackerCompleted, tr.Status)
	assert.Nil(t, tr.PausedAt)
	assert.InDelta(t, 3600, tr.PausedSeconds, 5)
}

func TestCommitTransition_ClosesBreachedTracker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)

	breached := schema.TrackerBreached
	now := time.Now().UTC()
	ok, err := s.UpdateTracker(ctx, trackerID,
		TrackerUpdate{Status: &breached, BreachedAt: &now}, TrackerCond{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CommitTransition(ctx, CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		FromState:  "SUBMITTED",
		ToState:    "UNDER_REVIEW",
	}))

	tr, err := s.GetTracker(ctx, trackerID)
	require.NoError(t, err)
	assert.Equal(t, schema.TrackerCompleted, tr.Status)
	// The breach stays on record as an outcome.
	assert.NotNil(t, tr.BreachedAt)
}

// --- Trackers ---

func TestGetActiveTrackers_IncludesBreached(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)

	breached := schema.TrackerBreached
	now := time.Now().UTC()
	ok, err := s.UpdateTracker(ctx, trackerID,
		TrackerUpdate{Status: &breached, BreachedAt: &now}, TrackerCond{})
	require.NoError(t, err)
	require.True(t, ok)

	// A breached tracker is still the execution's open tracker until a
	// transition closes it out.
	active, err := s.GetActiveTrackers(ctx, "CAP", "cap-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, trackerID, active[0].ID)
	assert.Equal(t, schema.TrackerBreached, active[0].Status)
}

func TestUpdateTracker_ConditionalUpdateReportsNoMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)

	paused := schema.TrackerPaused
	ok, err := s.UpdateTracker(ctx, trackerID,
		TrackerUpdate{Status: &paused},
		TrackerCond{Status: &paused}, // tracker is RUNNING, condition fails
	)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateTracker_BreachHappensExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trackerID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)

	// Force the due date into the past.
	dueAt := time.Now().UTC().Add(-time.Hour)
	ok, err := s.UpdateTracker(ctx, trackerID, TrackerUpdate{DueAt: &dueAt}, TrackerCond{})
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	running := schema.TrackerRunning
	breached := schema.TrackerBreached

	ok, err = s.UpdateTracker(ctx, trackerID,
		TrackerUpdate{Status: &breached, BreachedAt: &now},
		TrackerCond{Status: &running, DueBefore: &now},
	)
	require.NoError(t, err)
	assert.True(t, ok, "first sweep records the breach")

	ok, err = s.UpdateTracker(ctx, trackerID,
		TrackerUpdate{Status: &breached, BreachedAt: &now},
		TrackerCond{Status: &running, DueBefore: &now},
	)
	require.NoError(t, err)
	assert.False(t, ok, "second sweep finds nothing to do")
}

func TestListTrackers_StatusAndDueFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	overdueID := seedExecution(t, s, "cap-1", "SUBMITTED", 10)
	seedExecution(t, s, "cap-2", "SUBMITTED", 10)

	pastDue := time.Now().UTC().Add(-time.Hour)
	ok, err := s.UpdateTracker(ctx, overdueID, TrackerUpdate{DueAt: &pastDue}, TrackerCond{})
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	running := schema.TrackerRunning

	overdue, err := s.ListTrackers(ctx, TrackerFilter{Status: &running, DueBefore: &now})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, overdueID, overdue[0].ID)

	upcoming, err := s.ListTrackers(ctx, TrackerFilter{Status: &running, DueAfter: &now})
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "cap-2", upcoming[0].EntityID)
}

func TestActiveTrackerUniqueIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "cap-1", "SUBMITTED", 10)

	// A second open tracker for the same execution violates the partial
	// unique index regardless of RUNNING/PAUSED mix.
	now := time.Now().UTC()
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO sla_trackers (id, entity_type, entity_id, state_code, target_days, status, started_at, due_at)
		 VALUES (?, 'CAP', 'cap-1', 'SUBMITTED', 10, 'PAUSED', ?, ?)`,
		uuid.New().String(), now, now.Add(240*time.Hour),
	)
	require.Error(t, err)
}

// --- Events ---

func TestAppendEvent_SequencesPerEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "cap-1", "DRAFT", 0) // emits sequence 1
	seedExecution(t, s, "cap-2", "DRAFT", 0)

	require.NoError(t, s.AppendEvent(ctx, &TransitionEvent{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		Type:       schema.EventSLAPaused,
		TrackerID:  "tr-1",
	}))

	events, err := s.ListEvents(ctx, "CAP", "cap-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 1, events[0].Sequence)
	assert.EqualValues(t, 2, events[1].Sequence)
	assert.Equal(t, schema.EventSLAPaused, events[1].Type)

	// The other entity's sequence is independent.
	other, err := s.ListEvents(ctx, "CAP", "cap-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.EqualValues(t, 1, other[0].Sequence)
}

func TestListEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "cap-1", "DRAFT", 0)
	require.NoError(t, s.CommitTransition(ctx, CommitTransitionParams{
		EntityType: schema.EntityTypeCAP,
		EntityID:   "cap-1",
		FromState:  "DRAFT",
		ToState:    "SUBMITTED",
		ActorID:    "user-1",
		Comment:    "ready for review",
	}))

	events, err := s.ListEvents(ctx, "CAP", "cap-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "DRAFT", events[0].FromState)
	assert.Equal(t, "SUBMITTED", events[0].ToState)
	assert.Equal(t, "ready for review", events[0].Comment)
}

// --- Documents ---

func TestPutAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := json.RawMessage(`{"severity": "CRITICAL"}`)
	require.NoError(t, s.PutDocument(ctx, "FINDING", "f-1", doc))

	got, err := s.GetDocument(ctx, "FINDING", "f-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(got))

	// Upsert replaces.
	doc2 := json.RawMessage(`{"severity": "MINOR"}`)
	require.NoError(t, s.PutDocument(ctx, "FINDING", "f-1", doc2))
	got, err = s.GetDocument(ctx, "FINDING", "f-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc2), string(got))
}

func TestGetDocument_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDocument(context.Background(), "FINDING", "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

// --- Migrations ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Migrate was already called in newTestStore; calling again is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

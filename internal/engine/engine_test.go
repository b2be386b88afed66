package engine

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avsafe/caseflow/internal/resolver"
	"github.com/avsafe/caseflow/internal/rules"
	"github.com/avsafe/caseflow/internal/store"
	"github.com/avsafe/caseflow/pkg/schema"
)

// findingConfig is a small review workflow: OPEN findings escalate when
// critical (reviewers only, with supporting evidence) or close with a
// mandatory comment.
func findingConfig() *schema.WorkflowConfig {
	return &schema.WorkflowConfig{
		EntityType:   schema.EntityTypeFinding,
		InitialState: "OPEN",
		States: []schema.StateConfig{
			{Code: "OPEN", SLATargetDays: 2},
			{Code: "ESCALATED", SLATargetDays: 5},
			{Code: "CLOSED"},
		},
		Transitions: []schema.TransitionConfig{
			{
				Code:      "escalate",
				From:      "OPEN",
				To:        "ESCALATED",
				Label:     "Escalate",
				Roles:     []string{"reviewer"},
				Condition: &schema.Rule{Field: "finding.severity", Operator: schema.OpEquals, Value: "CRITICAL"},
				Guard:     &schema.GuardExpr{Engine: "expr", Expression: "entity.evidence_count > 0"},
			},
			{
				Code:            "close",
				From:            "OPEN",
				To:              "CLOSED",
				Label:           "Close",
				RequiresComment: true,
			},
			{
				Code:  "archive",
				From:  "ESCALATED",
				To:    "CLOSED",
				Label: "Archive",
			},
		},
	}
}

type testEnv struct {
	engine *Engine
	store  *store.LibSQLStore
	// doc is the entity snapshot the resolver serves; tests mutate it to
	// exercise condition re-evaluation.
	doc map[string]any
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store: st,
		doc:   map[string]any{"severity": "CRITICAL", "evidence_count": 2},
	}

	registry := NewRegistry()
	registry.Register(findingConfig())

	res := resolver.Func(func(ctx context.Context, entityType, entityID string) (map[string]any, error) {
		return map[string]any{"finding": maps.Clone(env.doc)}, nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.engine = New(registry, st, res, rules.NewGuards(rules.NewExprEngine()), logger)
	return env
}

func reviewer() schema.ActorContext {
	return schema.ActorContext{ID: "user-1", Role: "reviewer"}
}

// --- Track ---

func TestTrack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	exec, err := env.engine.GetExecution(ctx, schema.EntityTypeFinding, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "OPEN", exec.CurrentState)
	assert.EqualValues(t, 0, exec.Version)

	trackers, err := env.store.GetActiveTrackers(ctx, "FINDING", "f-1")
	require.NoError(t, err)
	require.Len(t, trackers, 1)
	assert.Equal(t, "OPEN", trackers[0].StateCode)
	assert.Equal(t, 2, trackers[0].TargetDays)
	assert.Equal(t, schema.TrackerRunning, trackers[0].Status)
}

func TestTrack_UnconfiguredEntityType(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Track(context.Background(), "INCIDENT", "i-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestTrack_DuplicateEntity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	err := env.engine.Track(ctx, schema.EntityTypeFinding, "f-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestTrack_InitialStateWithoutSLA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registry := NewRegistry()
	registry.Register(&schema.WorkflowConfig{
		EntityType:   schema.EntityTypeCAP,
		InitialState: "DRAFT",
		States:       []schema.StateConfig{{Code: "DRAFT"}},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(registry, env.store, env.engine.resolver, env.engine.guards, logger)

	require.NoError(t, eng.Track(ctx, schema.EntityTypeCAP, "cap-1"))

	trackers, err := env.store.GetActiveTrackers(ctx, "CAP", "cap-1")
	require.NoError(t, err)
	assert.Empty(t, trackers)
}

// --- GetAvailableTransitions ---

func TestGetAvailableTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	t.Run("all gates pass", func(t *testing.T) {
		options, err := env.engine.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "f-1", reviewer())
		require.NoError(t, err)
		require.Len(t, options, 2)

		escalate := options[0]
		assert.Equal(t, "escalate", escalate.Code)
		assert.Equal(t, "ESCALATED", escalate.TargetState)
		assert.True(t, escalate.CanTransition)
		require.Len(t, escalate.Conditions, 2) // severity condition + guard
		assert.True(t, escalate.Conditions[0].Met)
		assert.Equal(t, "Escalate guard", escalate.Conditions[1].Label)
		assert.True(t, escalate.Conditions[1].Met)

		closeOpt := options[1]
		assert.Equal(t, "close", closeOpt.Code)
		assert.True(t, closeOpt.CanTransition)
		assert.True(t, closeOpt.RequiresComment)
	})

	t.Run("role filter hides transitions", func(t *testing.T) {
		options, err := env.engine.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "f-1",
			schema.ActorContext{ID: "user-2", Role: "viewer"})
		require.NoError(t, err)
		require.Len(t, options, 1)
		assert.Equal(t, "close", options[0].Code)
	})

	t.Run("unmet condition blocks but is still listed", func(t *testing.T) {
		env.doc["severity"] = "MINOR"
		defer func() { env.doc["severity"] = "CRITICAL" }()

		options, err := env.engine.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "f-1", reviewer())
		require.NoError(t, err)
		require.Len(t, options, 2)
		assert.Equal(t, "escalate", options[0].Code)
		assert.False(t, options[0].CanTransition)
		assert.False(t, options[0].Conditions[0].Met)
	})

	t.Run("failing guard blocks", func(t *testing.T) {
		env.doc["evidence_count"] = 0
		defer func() { env.doc["evidence_count"] = 2 }()

		options, err := env.engine.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "f-1", reviewer())
		require.NoError(t, err)
		assert.False(t, options[0].CanTransition)
		assert.False(t, options[0].Conditions[1].Met)
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, err := env.engine.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "ghost", reviewer())
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	})
}

func TestGetAvailableTransitions_TerminalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "CLOSED", reviewer(), "duplicate of f-2")
	require.NoError(t, err)

	options, err := env.engine.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "f-1", reviewer())
	require.NoError(t, err)
	assert.Nil(t, options)
}

func TestGetAvailableTransitions_MalformedRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registry := NewRegistry()
	config := findingConfig()
	config.Transitions[0].Condition = &schema.Rule{
		Field:    "finding.reference",
		Operator: schema.OpMatches,
		Value:    "([unclosed",
	}
	config.Transitions[0].Guard = nil
	registry.Register(config)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(registry, env.store, env.engine.resolver, env.engine.guards, logger)

	require.NoError(t, eng.Track(ctx, schema.EntityTypeFinding, "f-1"))

	options, err := eng.GetAvailableTransitions(ctx, schema.EntityTypeFinding, "f-1", reviewer())
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.False(t, options[0].CanTransition)
	assert.Contains(t, options[0].Warnings, "transition blocked by a configuration error")
}

// --- ExecuteTransition ---

func TestExecuteTransition_MalformedRuleIsNotLeaked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registry := NewRegistry()
	config := findingConfig()
	config.Transitions[0].Condition = &schema.Rule{
		Field:    "finding.reference",
		Operator: schema.OpMatches,
		Value:    "([unclosed",
	}
	config.Transitions[0].Guard = nil
	registry.Register(config)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(registry, env.store, env.engine.resolver, env.engine.guards, logger)

	require.NoError(t, eng.Track(ctx, schema.EntityTypeFinding, "f-1"))

	_, err := eng.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED", reviewer(), "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMalformedRule, schema.ErrorCode(err))
	// The broken pattern and field path stay in the log, not in the caller's
	// error.
	assert.NotContains(t, err.Error(), "([unclosed")
	assert.NotContains(t, err.Error(), "finding.reference")
	assert.Contains(t, err.Error(), "configuration error")
}

func TestExecuteTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	newState, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED", reviewer(), "")
	require.NoError(t, err)
	assert.Equal(t, "ESCALATED", newState)

	exec, err := env.engine.GetExecution(ctx, schema.EntityTypeFinding, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "ESCALATED", exec.CurrentState)
	assert.EqualValues(t, 1, exec.Version)

	// The OPEN tracker closed, the ESCALATED tracker opened.
	trackers, err := env.store.GetActiveTrackers(ctx, "FINDING", "f-1")
	require.NoError(t, err)
	require.Len(t, trackers, 1)
	assert.Equal(t, "ESCALATED", trackers[0].StateCode)
	assert.Equal(t, 5, trackers[0].TargetDays)

	events, err := env.store.ListEvents(ctx, "FINDING", "f-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, schema.EventTransitionExecuted, last.Type)
	assert.Equal(t, "OPEN", last.FromState)
	assert.Equal(t, "ESCALATED", last.ToState)
	assert.Equal(t, "user-1", last.ActorID)
}

func TestExecuteTransition_NoSuchEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "REJECTED", reviewer(), "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestExecuteTransition_RoleNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED",
		schema.ActorContext{ID: "user-2", Role: "viewer"}, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestExecuteTransition_ConditionNotMet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	env.doc["severity"] = "MINOR"
	_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED", reviewer(), "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConditionNotMet, schema.ErrorCode(err))

	// The entity was fixed between the check and the retry; the gate
	// re-evaluates against fresh context.
	env.doc["severity"] = "CRITICAL"
	_, err = env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED", reviewer(), "")
	require.NoError(t, err)
}

func TestExecuteTransition_GuardNotMet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	env.doc["evidence_count"] = 0
	_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED", reviewer(), "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConditionNotMet, schema.ErrorCode(err))
}

func TestExecuteTransition_CommentRequired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	for _, comment := range []string{"", "   \t"} {
		_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "CLOSED", reviewer(), comment)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConfirmationRequired, schema.ErrorCode(err))
	}

	_, err := env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "CLOSED", reviewer(), "verified fixed")
	require.NoError(t, err)
}

// staleStore serves GetExecution from a frozen snapshot while delegating
// writes, simulating a caller that read the execution before a concurrent
// transition landed.
type staleStore struct {
	store.Store
	stale *store.Execution
}

func (s *staleStore) GetExecution(ctx context.Context, entityType, entityID string) (*store.Execution, error) {
	return s.stale, nil
}

func TestExecuteTransition_ConcurrentModification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Track(ctx, schema.EntityTypeFinding, "f-1"))

	exec, err := env.engine.GetExecution(ctx, schema.EntityTypeFinding, "f-1")
	require.NoError(t, err)

	// First caller wins the race.
	_, err = env.engine.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "ESCALATED", reviewer(), "")
	require.NoError(t, err)

	// The loser still believes the execution is OPEN.
	registry := NewRegistry()
	registry.Register(findingConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loser := New(registry, &staleStore{Store: env.store, stale: exec}, env.engine.resolver, env.engine.guards, logger)

	_, err = loser.ExecuteTransition(ctx, schema.EntityTypeFinding, "f-1", "CLOSED", reviewer(), "closing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConcurrentModification, schema.ErrorCode(err))
}

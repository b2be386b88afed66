// Package engine implements the configuration-driven workflow state machine:
// computing which transitions a caller may take and executing a chosen one
// under the store's transactional guarantees. The engine is stateless
// between calls; concurrent handlers and the breach sweeper coordinate only
// through the store.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avsafe/caseflow/internal/logging"
	"github.com/avsafe/caseflow/internal/resolver"
	"github.com/avsafe/caseflow/internal/rules"
	"github.com/avsafe/caseflow/internal/store"
	"github.com/avsafe/caseflow/pkg/schema"
)

// Engine is the workflow engine. One instance serves every configured
// entity type.
type Engine struct {
	registry  *Registry
	store     store.Store
	resolver  resolver.Resolver
	evaluator *rules.Evaluator
	guards    *rules.Guards
	logger    *slog.Logger

	now func() time.Time
}

// New creates a workflow engine.
func New(registry *Registry, s store.Store, r resolver.Resolver, guards *rules.Guards, logger *slog.Logger) *Engine {
	return &Engine{
		registry:  registry,
		store:     s,
		resolver:  r,
		evaluator: rules.NewEvaluator(),
		guards:    guards,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Track creates the workflow execution for a newly created entity at the
// configured initial state, opening its first SLA tracker when the state
// carries a target.
func (e *Engine) Track(ctx context.Context, entityType schema.EntityType, entityID string) error {
	config, err := e.registry.Get(entityType)
	if err != nil {
		return err
	}

	params := store.CreateExecutionParams{
		EntityType:   entityType,
		EntityID:     entityID,
		InitialState: config.InitialState,
		Now:          e.now(),
	}
	if state := config.StateFor(config.InitialState); state != nil && state.SLATargetDays > 0 {
		params.NewTracker = &store.NewTrackerParams{
			ID:         uuid.New().String(),
			StateCode:  state.Code,
			TargetDays: state.SLATargetDays,
		}
	}

	if err := e.store.CreateExecution(ctx, params); err != nil {
		if schema.ErrorCode(err) != "" {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).
			WithCause(err).WithEntity(entityType, entityID)
	}

	ctx = logging.WithEntity(ctx, string(entityType), entityID)
	e.logger.InfoContext(ctx, "execution tracked", slog.String("state", config.InitialState))
	return nil
}

// GetExecution returns the current execution record for an entity.
func (e *Engine) GetExecution(ctx context.Context, entityType schema.EntityType, entityID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, string(entityType), entityID)
}

// GetAvailableTransitions computes every configured transition out of the
// execution's current state, scoring each condition individually so a
// blocked transition can explain itself. Blocked transitions are returned,
// not hidden: CanTransition is the authoritative gate and the execute path
// re-validates. Read-only.
func (e *Engine) GetAvailableTransitions(ctx context.Context, entityType schema.EntityType, entityID string, actor schema.ActorContext) ([]schema.TransitionOption, error) {
	config, err := e.registry.Get(entityType)
	if err != nil {
		return nil, err
	}
	exec, err := e.store.GetExecution(ctx, string(entityType), entityID)
	if err != nil {
		return nil, err
	}

	candidates := config.TransitionsFrom(exec.CurrentState)
	if len(candidates) == 0 {
		return nil, nil // terminal by omission
	}

	entityCtx, err := e.buildContext(ctx, entityType, entityID, exec, actor)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithEntity(ctx, string(entityType), entityID)

	var options []schema.TransitionOption
	for _, tc := range candidates {
		if !roleAllowed(tc, actor) {
			continue
		}
		options = append(options, e.scoreTransition(ctx, tc, entityCtx))
	}
	return options, nil
}

// scoreTransition evaluates one candidate's condition tree child by child.
// A malformed rule is a configuration defect: logged loudly, reported as a
// blocking warning without leaking rule internals.
func (e *Engine) scoreTransition(ctx context.Context, tc schema.TransitionConfig, entityCtx map[string]any) schema.TransitionOption {
	opt := schema.TransitionOption{
		Code:            tc.Code,
		TargetState:     tc.To,
		Label:           tc.Label,
		Style:           tc.Style,
		RequiresComment: tc.RequiresComment,
		CanTransition:   true,
	}

	for _, child := range conditionParts(tc.Condition) {
		met, err := e.evaluator.Evaluate(child, entityCtx)
		if err != nil {
			e.logger.ErrorContext(ctx, "condition evaluation failed",
				slog.String("transition", tc.Code),
				slog.String("error", err.Error()),
			)
			opt.CanTransition = false
			opt.Warnings = append(opt.Warnings, "transition blocked by a configuration error")
			continue
		}
		opt.Conditions = append(opt.Conditions, schema.ConditionStatus{
			Label: rules.Describe(child),
			Met:   met,
		})
		if !met {
			opt.CanTransition = false
		}
	}

	if tc.Guard != nil {
		met, err := e.guards.Evaluate(ctx, tc.Guard, guardData(entityCtx))
		if err != nil {
			e.logger.ErrorContext(ctx, "guard evaluation failed",
				slog.String("transition", tc.Code),
				slog.String("error", err.Error()),
			)
			opt.CanTransition = false
			opt.Warnings = append(opt.Warnings, "transition blocked by a configuration error")
		} else {
			opt.Conditions = append(opt.Conditions, schema.ConditionStatus{
				Label: guardLabel(tc),
				Met:   met,
			})
			if !met {
				opt.CanTransition = false
			}
		}
	}

	return opt
}

// ExecuteTransition validates and applies a transition to the target state.
// The state check, tracker swap, and audit event commit in one store
// transaction; a concurrent caller that moved the execution first surfaces
// as CONCURRENT_MODIFICATION and the loser should refetch and retry.
func (e *Engine) ExecuteTransition(ctx context.Context, entityType schema.EntityType, entityID, targetState string, actor schema.ActorContext, comment string) (string, error) {
	config, err := e.registry.Get(entityType)
	if err != nil {
		return "", err
	}
	exec, err := e.store.GetExecution(ctx, string(entityType), entityID)
	if err != nil {
		return "", err
	}

	tc := config.TransitionTo(exec.CurrentState, targetState)
	if tc == nil {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no transition from %q to %q", exec.CurrentState, targetState).
			WithEntity(entityType, entityID)
	}
	if !roleAllowed(*tc, actor) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"transition %q is not permitted for the caller's role", tc.Code).
			WithEntity(entityType, entityID)
	}

	// Re-evaluate the gate against fresh context: the entity may have
	// changed since the caller's availability check.
	entityCtx, err := e.buildContext(ctx, entityType, entityID, exec, actor)
	if err != nil {
		return "", err
	}
	met, err := e.evaluator.Evaluate(tc.Condition, entityCtx)
	if err == nil && met && tc.Guard != nil {
		met, err = e.guards.Evaluate(ctx, tc.Guard, guardData(entityCtx))
	}
	if err != nil {
		// A malformed rule is an operator's configuration defect: the full
		// error goes to the log, the caller gets no rule internals.
		if schema.ErrorCode(err) == schema.ErrCodeMalformedRule {
			logCtx := logging.WithEntity(ctx, string(entityType), entityID)
			e.logger.ErrorContext(logCtx, "condition evaluation failed",
				slog.String("transition", tc.Code),
				slog.String("error", err.Error()),
			)
			return "", schema.NewErrorf(schema.ErrCodeMalformedRule,
				"transition %q is blocked by a configuration error", tc.Code).
				WithEntity(entityType, entityID)
		}
		return "", err
	}
	if !met {
		return "", schema.NewErrorf(schema.ErrCodeConditionNotMet,
			"conditions for transition %q are not met", tc.Code).
			WithEntity(entityType, entityID)
	}

	if tc.RequiresComment && strings.TrimSpace(comment) == "" {
		return "", schema.NewErrorf(schema.ErrCodeConfirmationRequired,
			"transition %q requires a confirmation comment", tc.Code).
			WithEntity(entityType, entityID)
	}

	params := store.CommitTransitionParams{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  exec.CurrentState,
		ToState:    targetState,
		ActorID:    actor.ID,
		Comment:    comment,
		Now:        e.now(),
	}
	if state := config.StateFor(targetState); state != nil && state.SLATargetDays > 0 {
		params.NewTracker = &store.NewTrackerParams{
			ID:         uuid.New().String(),
			StateCode:  state.Code,
			TargetDays: state.SLATargetDays,
		}
	}

	if err := e.store.CommitTransition(ctx, params); err != nil {
		if schema.ErrorCode(err) != "" {
			return "", err
		}
		return "", schema.NewErrorf(schema.ErrCodeStore, "commit transition: %s", err.Error()).
			WithCause(err).WithEntity(entityType, entityID)
	}

	ctx = logging.WithEntity(ctx, string(entityType), entityID)
	ctx = logging.WithActorID(ctx, actor.ID)
	e.logger.InfoContext(ctx, "transition executed",
		slog.String("from", exec.CurrentState),
		slog.String("to", targetState),
		slog.String("transition", tc.Code),
	)
	return targetState, nil
}

// buildContext merges the resolved entity snapshot with actor and execution
// metadata so conditions can gate on all three.
func (e *Engine) buildContext(ctx context.Context, entityType schema.EntityType, entityID string, exec *store.Execution, actor schema.ActorContext) (map[string]any, error) {
	entityCtx, err := e.resolver.Resolve(ctx, string(entityType), entityID)
	if err != nil {
		return nil, err
	}
	if entityCtx == nil {
		entityCtx = make(map[string]any)
	}

	roles := make([]any, 0, len(actor.Roles))
	for _, r := range actor.Roles {
		roles = append(roles, r)
	}
	entityCtx["actor"] = map[string]any{
		"id":    actor.ID,
		"role":  actor.Role,
		"roles": roles,
	}
	entityCtx["execution"] = map[string]any{
		"state":   exec.CurrentState,
		"version": exec.Version,
	}
	return entityCtx, nil
}

// conditionParts splits a rule tree into the units reported individually to
// the caller: the direct children of a top-level group, or the rule itself.
func conditionParts(rule *schema.Rule) []*schema.Rule {
	if rule == nil {
		return nil
	}
	// OR groups are reported as a single unit: listing children of an OR as
	// independently "unmet" would mislead the caller.
	if rule.IsGroup() && rule.Logic != schema.LogicOr {
		parts := make([]*schema.Rule, 0, len(rule.Rules))
		for i := range rule.Rules {
			parts = append(parts, &rule.Rules[i])
		}
		return parts
	}
	return []*schema.Rule{rule}
}

// guardData reshapes the merged context for the guard engines. When the
// resolver produced a single entity root (the usual case), its fields become
// the "entity" map directly, so guards read entity.severity rather than
// entity.finding.severity.
func guardData(entityCtx map[string]any) map[string]any {
	entity := make(map[string]any, len(entityCtx))
	for k, v := range entityCtx {
		if k == "actor" || k == "execution" {
			continue
		}
		entity[k] = v
	}
	if len(entity) == 1 {
		for _, v := range entity {
			if root, ok := v.(map[string]any); ok {
				entity = root
			}
		}
	}
	return map[string]any{
		"entity":    entity,
		"actor":     entityCtx["actor"],
		"execution": entityCtx["execution"],
	}
}

func guardLabel(tc schema.TransitionConfig) string {
	if tc.Label != "" {
		return tc.Label + " guard"
	}
	return "guard expression"
}

func roleAllowed(tc schema.TransitionConfig, actor schema.ActorContext) bool {
	if len(tc.Roles) == 0 {
		return true
	}
	for _, role := range tc.Roles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}

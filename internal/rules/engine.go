package rules

import (
	"context"

	"github.com/avsafe/caseflow/pkg/schema"
)

// Engine evaluates free-form guard expressions on transitions.
// Two implementations: CEL and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Guards dispatches guard expressions to the configured engine and coerces
// the result to a boolean gate.
type Guards struct {
	engines map[string]Engine
}

// NewGuards creates a Guards dispatcher over the given engines.
func NewGuards(engines ...Engine) *Guards {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &Guards{engines: m}
}

// Evaluate runs the guard and returns its boolean result. A guard that
// produces a non-boolean value is a configuration defect.
func (g *Guards) Evaluate(ctx context.Context, guard *schema.GuardExpr, data map[string]any) (bool, error) {
	if guard == nil || guard.Expression == "" {
		return true, nil
	}
	engine, ok := g.engines[guard.Engine]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown guard engine %q", guard.Engine)
	}
	out, err := engine.Evaluate(ctx, guard.Expression, data)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q produced %T, want bool", guard.Expression, out)
	}
	return result, nil
}

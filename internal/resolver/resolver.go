// Package resolver supplies the flattened field snapshot the condition
// evaluator scores transitions against. The engine never reflects over live
// domain objects; it only sees the map a resolver produces.
package resolver

import (
	"context"
)

// Resolver produces the entity context for a given entity: a nested
// key/value map rooted at a per-type key (e.g. "finding"), resolvable by
// dot-separated field paths.
type Resolver interface {
	Resolve(ctx context.Context, entityType, entityID string) (map[string]any, error)
}

// Func adapts a plain function to the Resolver interface.
type Func func(ctx context.Context, entityType, entityID string) (map[string]any, error)

func (f Func) Resolve(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	return f(ctx, entityType, entityID)
}

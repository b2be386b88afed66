package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	entityTypeKey ctxKey = iota
	entityIDKey
	trackerIDKey
	actorIDKey
)

// WithEntity returns a context with the entity identity set.
func WithEntity(ctx context.Context, entityType, entityID string) context.Context {
	ctx = context.WithValue(ctx, entityTypeKey, entityType)
	return context.WithValue(ctx, entityIDKey, entityID)
}

// WithTrackerID returns a context with the SLA tracker ID set.
func WithTrackerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, trackerIDKey, id)
}

// WithActorID returns a context with the acting user's ID set.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// EntityType extracts the entity type from the context, or "" if absent.
func EntityType(ctx context.Context) string {
	v, _ := ctx.Value(entityTypeKey).(string)
	return v
}

// EntityID extracts the entity ID from the context, or "" if absent.
func EntityID(ctx context.Context) string {
	v, _ := ctx.Value(entityIDKey).(string)
	return v
}

// TrackerID extracts the tracker ID from the context, or "" if absent.
func TrackerID(ctx context.Context) string {
	v, _ := ctx.Value(trackerIDKey).(string)
	return v
}

// ActorID extracts the actor ID from the context, or "" if absent.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := EntityType(ctx); v != "" {
		r.AddAttrs(slog.String("entity_type", v))
	}
	if v := EntityID(ctx); v != "" {
		r.AddAttrs(slog.String("entity_id", v))
	}
	if v := TrackerID(ctx); v != "" {
		r.AddAttrs(slog.String("tracker_id", v))
	}
	if v := ActorID(ctx); v != "" {
		r.AddAttrs(slog.String("actor_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

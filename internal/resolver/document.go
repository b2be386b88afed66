package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/avsafe/caseflow/pkg/schema"
)

// DocumentSource is the slice of the store the resolver needs.
type DocumentSource interface {
	GetDocument(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
}

// DocumentResolver builds entity contexts from stored JSON documents. The
// document is decoded under a root key derived from the entity type
// (e.g. FINDING -> "finding"), then per-type derived fields (jq programs
// configured in the workflow definition) are evaluated against the raw
// document and inserted at their dotted paths: counts, role flags, anything
// the form data does not carry directly.
// Thread-safe: compiled *gojq.Code objects are cached and reused across goroutines.
type DocumentResolver struct {
	source DocumentSource

	// derived maps entity type -> context path -> jq program.
	derived map[schema.EntityType]map[string]string

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewDocumentResolver creates a DocumentResolver over the given source.
func NewDocumentResolver(source DocumentSource) *DocumentResolver {
	return &DocumentResolver{
		source:  source,
		derived: make(map[schema.EntityType]map[string]string),
		cache:   make(map[string]*gojq.Code),
	}
}

// RegisterDerivedFields configures the jq-computed context fields for an
// entity type, keyed by the dotted path they are inserted at.
func (r *DocumentResolver) RegisterDerivedFields(entityType schema.EntityType, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.derived[entityType] = fields
}

// Resolve reads the entity document and produces the context map.
func (r *DocumentResolver) Resolve(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	raw, err := r.source.GetDocument(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"entity document for %s/%s is not a JSON object: %s", entityType, entityID, err.Error()).
			WithCause(err)
	}

	context := map[string]any{
		RootKey(schema.EntityType(entityType)): doc,
	}

	r.mu.RLock()
	fields := r.derived[schema.EntityType(entityType)]
	r.mu.RUnlock()

	for path, program := range fields {
		value, err := r.evaluate(ctx, program, doc)
		if err != nil {
			return nil, err
		}
		insertPath(context, path, value)
	}

	return context, nil
}

// RootKey derives the context root for an entity type: CAP -> "cap",
// FINDING -> "finding".
func RootKey(entityType schema.EntityType) string {
	return strings.ToLower(string(entityType))
}

// evaluate runs a jq program against the document. Expressions producing
// multiple outputs are collected into a slice.
func (r *DocumentResolver) evaluate(ctx context.Context, expression string, doc map[string]any) (any, error) {
	code, err := r.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, doc)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (r *DocumentResolver) getOrCompile(expression string) (*gojq.Code, error) {
	r.mu.RLock()
	if code, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return code, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := r.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	r.cache[expression] = code
	return code, nil
}

// insertPath writes value into the nested context at the dotted path,
// creating intermediate maps as needed.
func insertPath(context map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := context
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

var _ Resolver = (*DocumentResolver)(nil)

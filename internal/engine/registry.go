package engine

import (
	"sync"

	"github.com/avsafe/caseflow/pkg/schema"
)

// Registry holds the validated workflow configuration for each entity type.
// Configurations are static: registered once at startup and never mutated at
// runtime, which is what lets concurrent request handlers share the registry
// without locking on the read path.
type Registry struct {
	mu      sync.RWMutex
	configs map[schema.EntityType]*schema.WorkflowConfig
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[schema.EntityType]*schema.WorkflowConfig)}
}

// Register installs a workflow configuration for its entity type, replacing
// any previous one.
func (r *Registry) Register(config *schema.WorkflowConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[config.EntityType] = config
}

// Get returns the configuration for an entity type.
func (r *Registry) Get(entityType schema.EntityType) (*schema.WorkflowConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.configs[entityType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no workflow configured for entity type %q", entityType)
	}
	return config, nil
}

// EntityTypes returns all registered entity types.
func (r *Registry) EntityTypes() []schema.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]schema.EntityType, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	return types
}

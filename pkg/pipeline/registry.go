package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent identities to their pipeline definitions
type Registry struct {
	pipelines map[string]Definition
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pipelines: make(map[string]Definition),
	}
}

// Register validates and adds a definition
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pipelines[def.Agent]; exists {
		return fmt.Errorf("pipeline already registered: %s", def.Agent)
	}

	r.pipelines[def.Agent] = def
	return nil
}

// Replace swaps the whole registry content. Nothing changes if any definition is invalid.
func (r *Registry) Replace(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		if _, dup := next[def.Agent]; dup {
			return fmt.Errorf("%w: agent %q defined twice", ErrInvalidDefinition, def.Agent)
		}
		next[def.Agent] = def
	}

	r.mu.Lock()
	r.pipelines = next
	r.mu.Unlock()
	return nil
}

// Unregister removes an agent's pipeline
func (r *Registry) Unregister(agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pipelines[agent]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}

	delete(r.pipelines, agent)
	return nil
}

// Get returns the pipeline for an agent
func (r *Registry) Get(agent string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.pipelines[agent]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}

	return def, nil
}

// List returns all definitions sorted by agent
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.pipelines))
	for _, def := range r.pipelines {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Agent < defs[j].Agent })

	return defs
}

// Exists reports whether an agent has a pipeline
func (r *Registry) Exists(agent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.pipelines[agent]
	return exists
}

// Count returns the number of registered pipelines
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pipelines)
}

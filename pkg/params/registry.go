package params

import (
	"sync"

	"github.com/google/uuid"
)

// Registry stores every parameter set used by a job, keyed by id. A
// processor owns one and clears it on shutdown.
type Registry struct {
	mu   sync.RWMutex
	sets map[uuid.UUID]*ParameterSet
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sets: make(map[uuid.UUID]*ParameterSet)}
}

// Register stores p and returns its id. An identical set registered earlier
// is kept.
func (r *Registry) Register(p *ParameterSet) uuid.UUID {
	id := p.ID()
	r.mu.Lock()
	if _, ok := r.sets[id]; !ok {
		r.sets[id] = p
	}
	r.mu.Unlock()
	return id
}

// Get looks up a set by id
func (r *Registry) Get(id uuid.UUID) (*ParameterSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sets[id]
	return p, ok
}

// Len returns the number of registered sets
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

// Clear removes every set
func (r *Registry) Clear() {
	r.mu.Lock()
	r.sets = make(map[uuid.UUID]*ParameterSet)
	r.mu.Unlock()
}

package jobflow

import (
	"context"
	"fmt"
	"sync"
)

// JobHandler runs the business logic of one job type. A nil return completes
// the job; an error requeues it or, once attempts are exhausted, fails it.
type JobHandler func(ctx context.Context, t *Task) error

// Registry maps job types to handlers. It is populated before the workers
// start and frozen afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobType]JobHandler
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]JobHandler)}
}

// Register associates t with h. Registering a type twice replaces the
// earlier handler.
func (r *Registry) Register(t JobType, h JobHandler) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: %w", t, ErrRegistryFrozen)
	}
	r.handlers[t] = h
	return nil
}

// Lookup returns the handler for t or an error wrapping ErrNoHandler.
func (r *Registry) Lookup(t JobType) (JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w for job type %s", ErrNoHandler, t)
	}
	return h, nil
}

// Types returns the registered job types.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

func (r *Registry) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

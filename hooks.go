package jobflow

import (
	"context"
	"fmt"
	"sync"
)

// FailureHook lets domain code react to a job reaching FAILED, e.g. by
// marking the linked import or transmission record as failed.
type FailureHook func(ctx context.Context, job *Job, reason string) error

// CompletionHook lets domain code react to a job reaching COMPLETED.
type CompletionHook func(ctx context.Context, job *Job) error

// Hooks is the type-keyed fan-out of domain notifications. The worker loop
// and the sweeper share it so both failure paths notify identically.
type Hooks struct {
	mu         sync.RWMutex
	onFailure  map[JobType][]FailureHook
	onComplete map[JobType][]CompletionHook
}

// NewHooks returns an empty hook set.
func NewHooks() *Hooks {
	return &Hooks{
		onFailure:  make(map[JobType][]FailureHook),
		onComplete: make(map[JobType][]CompletionHook),
	}
}

// OnFailure registers fn for terminal failures of jobs of type t.
func (h *Hooks) OnFailure(t JobType, fn FailureHook) {
	h.mu.Lock()
	h.onFailure[t] = append(h.onFailure[t], fn)
	h.mu.Unlock()
}

// OnComplete registers fn for completions of jobs of type t.
func (h *Hooks) OnComplete(t JobType, fn CompletionHook) {
	h.mu.Lock()
	h.onComplete[t] = append(h.onComplete[t], fn)
	h.mu.Unlock()
}

// notifyFailure runs every failure hook of job.Type. Hook errors are logged
// and never change the job's state.
func (h *Hooks) notifyFailure(ctx context.Context, cfg *Config, workerID string, job *Job, reason string) {
	h.mu.RLock()
	fns := h.onFailure[job.Type]
	h.mu.RUnlock()

	for i, fn := range fns {
		if err := safeHook(func() error { return fn(ctx, job, reason) }); err != nil {
			ev := jobEvent(fmt.Sprintf("failure hook %d for job %d returned an error", i, job.ID), workerID, job)
			ev.Err = err
			cfg.logError(ev)
		}
	}
}

func (h *Hooks) notifyComplete(ctx context.Context, cfg *Config, workerID string, job *Job) {
	h.mu.RLock()
	fns := h.onComplete[job.Type]
	h.mu.RUnlock()

	for i, fn := range fns {
		if err := safeHook(func() error { return fn(ctx, job) }); err != nil {
			ev := jobEvent(fmt.Sprintf("completion hook %d for job %d returned an error", i, job.ID), workerID, job)
			ev.Err = err
			cfg.logError(ev)
		}
	}
}

func safeHook(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panicked: %v", p)
		}
	}()
	return fn()
}

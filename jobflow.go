// Package jobflow is a durable job queue backed by a SQL table. Producers
// enqueue jobs, workers claim them one at a time with a conditional update,
// run the handler registered for the job type and record the outcome, and a
// sweeper releases jobs whose worker stopped heartbeating.
package jobflow

import (
	"context"
	"sync"
	"time"

	"github.com/sky93/jobflow/internal/metrics"
)

// Flow wires a Store, a handler Registry, domain Hooks and a Sweeper
// together and owns the worker Manager.
type Flow struct {
	cfg      *Config
	store    *Store
	registry *Registry
	hooks    *Hooks
	sweeper  *Sweeper

	mu  sync.Mutex
	mgr *Manager // We set this once we start workers
}

func New(cfg Config) *Flow {
	cfg.setDefaults()
	if cfg.InfoLog == nil {
		cfg.InfoLog = slogInfo(cfg.Logger)
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = slogError(cfg.Logger)
	}

	store := NewStore(cfg)
	hooks := NewHooks()
	return &Flow{
		cfg:      &cfg,
		store:    store,
		registry: NewRegistry(),
		hooks:    hooks,
		sweeper:  NewSweeper(&cfg, store, hooks),
	}
}

// Store returns the underlying job store.
func (f *Flow) Store() *Store { return f.store }

// RegisterHandler associates a job type with its handler. It fails once
// workers have started.
func (f *Flow) RegisterHandler(t JobType, h JobHandler) error {
	return f.registry.Register(t, h)
}

// OnFailure registers a domain hook run when a job of type t ends FAILED,
// whether a worker or the sweeper failed it.
func (f *Flow) OnFailure(t JobType, fn FailureHook) { f.hooks.OnFailure(t, fn) }

// OnComplete registers a domain hook run when a job of type t completes.
func (f *Flow) OnComplete(t JobType, fn CompletionHook) { f.hooks.OnComplete(t, fn) }

// CreateJob inserts a new job and nudges the workers. With LazyStart the
// workers are started if they are not running.
func (f *Flow) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	job, err := f.store.Create(ctx, nj)
	if err != nil {
		return nil, err
	}
	metrics.JobsCreated.WithLabelValues(string(job.Type)).Inc()
	f.Notify()
	return job, nil
}

// Notify is an advisory "new job submitted" signal: it wakes an idle worker
// or, with LazyStart, starts the workers. Claiming still goes through the
// store.
func (f *Flow) Notify() {
	f.mu.Lock()
	mgr := f.mgr
	f.mu.Unlock()

	if mgr != nil {
		mgr.Wake()
		return
	}
	if f.cfg.LazyStart {
		f.StartWorkers(context.Background())
	}
}

// StartWorkers freezes the handler registry, sweeps stalled jobs once and
// spawns the configured number of workers plus the periodic sweeper. It
// returns immediately; calling it while workers run is a no-op that returns false.
func (f *Flow) StartWorkers(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgr != nil {
		f.cfg.logInfo(LogEvent{
			Message: "Workers already started on this Flow instance.",
		})
		return false
	}
	f.registry.freeze()
	f.mgr = startManager(ctx, f.cfg, f.store, f.registry, f.hooks, f.sweeper)
	return true
}

// Running reports whether workers are started.
func (f *Flow) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mgr != nil
}

// WorkerStatuses returns the status of each running worker.
func (f *Flow) WorkerStatuses() map[string]WorkerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgr == nil {
		return nil
	}
	return f.mgr.WorkerStatuses()
}

// Sweep runs one stalled-job sweep with the configured threshold.
func (f *Flow) Sweep(ctx context.Context) (SweepResult, error) {
	return f.sweeper.Sweep(ctx, f.cfg.StallThreshold)
}

// Shutdown gracefully stops all workers, waiting up to `timeout` for them to exit.
func (f *Flow) Shutdown(timeout time.Duration) bool {
	f.mu.Lock()
	mgr := f.mgr
	f.mgr = nil
	f.mu.Unlock()

	if mgr == nil {
		f.cfg.logInfo(LogEvent{
			Message: "No workers to shut down (did you call StartWorkers?).",
		})
		return true
	}
	ok := mgr.Shutdown(timeout)
	f.cfg.logInfo(LogEvent{Message: "jobflow shutdown complete."})
	return ok
}

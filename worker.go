package jobflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sky93/jobflow/internal/metrics"
)

type WorkerStatus int32

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
	WorkerFailing
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerBusy:
		return "busy"
	case WorkerFailing:
		return "failing"
	default:
		return "idle"
	}
}

// Worker is one logical consumer: it claims a job, runs its handler to
// completion and records the outcome before claiming the next one.
type Worker struct {
	id       string
	cfg      *Config
	store    *Store
	registry *Registry
	hooks    *Hooks
	wakeup   <-chan struct{}

	status   atomic.Int32
	inFlight atomic.Bool
}

// NewWorker creates a worker. wakeup may be nil.
func NewWorker(id string, cfg *Config, store *Store, registry *Registry, hooks *Hooks, wakeup <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		cfg:      cfg,
		store:    store,
		registry: registry,
		hooks:    hooks,
		wakeup:   wakeup,
	}
}

// ID returns the owner token the worker writes into locked_by.
func (w *Worker) ID() string { return w.id }

// Status reports what the worker is doing right now.
func (w *Worker) Status() WorkerStatus { return WorkerStatus(w.status.Load()) }

// Run keeps claiming jobs until ctx is canceled. It sleeps IdleDelay (or
// until woken) only when no job was available.
func (w *Worker) Run(ctx context.Context) {
	idle := time.NewTimer(w.cfg.IdleDelay)
	defer idle.Stop()

	w.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Worker %s started.", w.id),
		WorkerID: w.id,
	})

	for {
		if ctx.Err() != nil {
			w.cfg.logInfo(LogEvent{
				Message:  fmt.Sprintf("Worker %s context canceled, stopping.", w.id),
				WorkerID: w.id,
			})
			return
		}
		if w.RunOnce(ctx) {
			continue
		}

		idle.Reset(w.cfg.IdleDelay)
		select {
		case <-ctx.Done():
		case <-w.wakeup:
		case <-idle.C:
		}
	}
}

// RunOnce runs a single claim cycle and reports whether a job was claimed.
// Overlapping calls on the same worker return false immediately.
func (w *Worker) RunOnce(ctx context.Context) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer w.inFlight.Store(false)

	job, err := w.store.ClaimNext(ctx, w.id)
	if err != nil {
		w.status.Store(int32(WorkerFailing))
		w.cfg.logError(LogEvent{
			Message:  fmt.Sprintf("Error claiming job for worker %s", w.id),
			WorkerID: w.id,
			Err:      err,
		})
		return false
	}
	if job == nil {
		w.status.Store(int32(WorkerIdle))
		return false
	}

	w.status.Store(int32(WorkerBusy))
	metrics.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
	// Once claimed the job runs to completion and its outcome is recorded
	// even if the worker is being shut down.
	w.process(context.WithoutCancel(ctx), job)
	w.status.Store(int32(WorkerIdle))
	return true
}

func (w *Worker) process(ctx context.Context, job *Job) {
	handler, err := w.registry.Lookup(job.Type)
	if err != nil {
		w.failJob(ctx, job, ErrNoHandler.Error(), metrics.ReasonNoHandler, err)
		return
	}

	w.cfg.logInfo(jobEvent(fmt.Sprintf("Processing job %d (type: %s, attempt %d/%d)",
		job.ID, job.Type, job.Attempts, job.MaxAttempts), w.id, job))

	start := time.Now()
	execErr := w.executeJob(ctx, handler, job)
	elapsed := time.Since(start)

	if execErr == nil {
		metrics.HandlerDuration.WithLabelValues(string(job.Type), "success").Observe(elapsed.Seconds())
		if err := w.store.Complete(ctx, job.ID, w.id, ""); err != nil {
			ev := jobEvent(fmt.Sprintf("Error completing job %d", job.ID), w.id, job)
			ev.Err = err
			w.cfg.logError(ev)
			return
		}
		metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		w.hooks.notifyComplete(ctx, w.cfg, w.id, job)

		ev := jobEvent(fmt.Sprintf("Job %d COMPLETED in %v", job.ID, elapsed), w.id, job)
		ev.Duration = &elapsed
		w.cfg.logInfo(ev)
		return
	}

	metrics.HandlerDuration.WithLabelValues(string(job.Type), "error").Observe(elapsed.Seconds())
	if job.Exhausted() {
		w.failJob(ctx, job, execErr.Error(), metrics.ReasonHandler, execErr)
		return
	}

	if err := w.store.Requeue(ctx, job.ID, w.id, execErr.Error()); err != nil {
		ev := jobEvent(fmt.Sprintf("Error requeueing job %d", job.ID), w.id, job)
		ev.Err = err
		w.cfg.logError(ev)
		return
	}
	metrics.JobsRequeued.WithLabelValues(string(job.Type), metrics.ReasonHandler).Inc()

	ev := jobEvent(fmt.Sprintf("Job %d failed attempt %d/%d in %v, requeued", job.ID, job.Attempts, job.MaxAttempts, elapsed), w.id, job)
	ev.Duration = &elapsed
	ev.Err = execErr
	w.cfg.logError(ev)
}

func (w *Worker) failJob(ctx context.Context, job *Job, message, reason string, cause error) {
	if err := w.store.Fail(ctx, job.ID, w.id, message); err != nil {
		ev := jobEvent(fmt.Sprintf("Error failing job %d", job.ID), w.id, job)
		ev.Err = err
		w.cfg.logError(ev)
		return
	}
	metrics.JobsFailed.WithLabelValues(string(job.Type), reason).Inc()
	w.hooks.notifyFailure(ctx, w.cfg, w.id, job, message)

	ev := jobEvent(fmt.Sprintf("Job %d FAILED after %d attempt(s)", job.ID, job.Attempts), w.id, job)
	ev.Err = cause
	w.cfg.logError(ev)
}

// executeJob calls handler with a heartbeat bound to the job. A panicking
// handler is reported as a failed attempt.
func (w *Worker) executeJob(ctx context.Context, handler JobHandler, job *Job) (err error) {
	task := &Task{
		Job:       job,
		Payload:   job.Payload,
		File:      job.File,
		Heartbeat: func() { w.heartbeat(ctx, job) },
	}

	if w.cfg.AutoHeartbeat > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(w.cfg.AutoHeartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					task.Heartbeat()
				}
			}
		}()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler(ctx, task)
}

func (w *Worker) heartbeat(ctx context.Context, job *Job) {
	if err := w.store.Touch(ctx, job.ID, w.id); err != nil {
		metrics.HeartbeatErrors.Inc()
		ev := jobEvent(fmt.Sprintf("Heartbeat for job %d not persisted", job.ID), w.id, job)
		ev.Err = err
		if errors.Is(err, ErrNotProcessing) {
			ev.Message = fmt.Sprintf("Heartbeat for job %d ignored, job no longer processing", job.ID)
		}
		w.cfg.logError(ev)
	}
}

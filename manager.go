package jobflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the running worker loops and the periodic sweeper of one Flow.
type Manager struct {
	cfg     *Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*Worker
	wakeup  chan struct{}
}

// startManager sweeps stalled jobs once, then launches cfg.Workers worker
// loops and the periodic sweeper.
func startManager(ctx context.Context, cfg *Config, store *Store, registry *Registry, hooks *Hooks, sweeper *Sweeper) *Manager {
	mgrCtx, cancel := context.WithCancel(ctx)
	mgr := &Manager{
		cfg:    cfg,
		ctx:    mgrCtx,
		cancel: cancel,
		wakeup: make(chan struct{}, cfg.Workers),
	}

	if _, err := sweeper.Sweep(mgrCtx, cfg.StallThreshold); err != nil {
		cfg.logError(LogEvent{Message: "Startup sweep failed", Err: err})
	}

	cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Starting %d workers...", cfg.Workers),
	})

	// Each process gets a fresh token so locked_by tells processes apart.
	instance := uuid.NewString()[:8]
	for i := 0; i < cfg.Workers; i++ {
		w := NewWorker(fmt.Sprintf("worker-%s-%d", instance, i), cfg, store, registry, hooks, mgr.wakeup)
		mgr.workers = append(mgr.workers, w)
		mgr.wg.Add(1)
		go func(worker *Worker) {
			defer mgr.wg.Done()
			worker.Run(mgr.ctx)
		}(w)
	}

	if cfg.SweepInterval > 0 {
		mgr.wg.Add(1)
		go func() {
			defer mgr.wg.Done()
			sweeper.Run(mgr.ctx, cfg.SweepInterval, cfg.StallThreshold)
		}()
	}

	return mgr
}

// Wake nudges an idle worker to poll now. It never blocks.
func (m *Manager) Wake() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// WorkerStatuses returns the current status of each worker by id.
func (m *Manager) WorkerStatuses() map[string]WorkerStatus {
	out := make(map[string]WorkerStatus, len(m.workers))
	for _, w := range m.workers {
		out[w.ID()] = w.Status()
	}
	return out
}

// Shutdown attempts a graceful shutdown: cancel context, wait for workers up to 'timeout'.
// In-flight jobs are not interrupted. It reports whether every goroutine exited in time.
func (m *Manager) Shutdown(timeout time.Duration) bool {
	m.cfg.logInfo(LogEvent{Message: "Shutdown requested. Stopping workers..."})
	m.cancel()

	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		m.cfg.logInfo(LogEvent{Message: "All workers exited cleanly."})
		return true
	case <-time.After(timeout):
		m.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Shutdown timed out after %v. Some workers may still be running.", timeout),
		})
		return false
	}
}

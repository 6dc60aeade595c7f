package jobflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sky93/jobflow/internal/metrics"
)

const msgReleased = "released after missing heartbeat"

// SweepResult lists the stalled jobs a sweep released.
type SweepResult struct {
	Requeued []*Job
	Failed   []*Job
}

// Sweeper releases PROCESSING jobs whose owner stopped heartbeating,
// typically because its process died mid-handler.
type Sweeper struct {
	cfg   *Config
	store *Store
	hooks *Hooks
}

// NewSweeper creates a sweeper sharing hooks with the workers.
func NewSweeper(cfg *Config, store *Store, hooks *Hooks) *Sweeper {
	return &Sweeper{cfg: cfg, store: store, hooks: hooks}
}

// Sweep requeues every job stalled longer than threshold, or fails it when
// its attempts are exhausted. Failed jobs go through the same failure hooks
// as jobs failed by a worker. A job that left PROCESSING between detection
// and release is skipped.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	var res SweepResult
	metrics.Sweeps.Inc()

	stalled, err := s.store.FindStalled(ctx, threshold)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, job := range stalled {
		// Release only the claim that was found stalled.
		owner := ""
		if job.LockedBy != nil {
			owner = *job.LockedBy
		}
		if job.Exhausted() {
			err = s.store.Fail(ctx, job.ID, owner, msgReleased)
		} else {
			err = s.store.Requeue(ctx, job.ID, owner, msgReleased)
		}
		switch {
		case errors.Is(err, ErrNotProcessing):
			s.cfg.logInfo(jobEvent(fmt.Sprintf("Stalled job %d changed state before release, skipped", job.ID), "", job))
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}

		if job.Exhausted() {
			metrics.JobsFailed.WithLabelValues(string(job.Type), metrics.ReasonStalled).Inc()
			res.Failed = append(res.Failed, job)
		} else {
			metrics.JobsRequeued.WithLabelValues(string(job.Type), metrics.ReasonStalled).Inc()
			res.Requeued = append(res.Requeued, job)
		}
	}

	for _, job := range res.Failed {
		s.hooks.notifyFailure(ctx, s.cfg, "", job, msgReleased)
	}

	if n := len(res.Requeued) + len(res.Failed); n > 0 {
		s.cfg.logInfo(LogEvent{
			Message: fmt.Sprintf("Released %d stalled job(s): %d requeued, %d failed", n, len(res.Requeued), len(res.Failed)),
		})
	}
	return res, errors.Join(errs...)
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Stalled-job sweeper started (interval %v, threshold %v)", interval, threshold),
	})

	for {
		select {
		case <-ctx.Done():
			s.cfg.logInfo(LogEvent{Message: "Stalled-job sweeper stopping."})
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, threshold); err != nil {
				s.cfg.logError(LogEvent{Message: "Stalled-job sweep failed", Err: err})
			}
		}
	}
}

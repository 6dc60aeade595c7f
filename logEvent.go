package jobflow

import (
	"log/slog"
	"time"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The ID of the worker that triggered the log (if any).
	WorkerID string

	// The Job ID, if available.
	JobID *int64

	// The job type, if available.
	JobType *JobType

	// Any error associated with the event.
	Err error

	// How long the job or operation took, if relevant.
	Duration *time.Duration
}

func (ev LogEvent) attrs() []any {
	var args []any
	if ev.WorkerID != "" {
		args = append(args, "worker_id", ev.WorkerID)
	}
	if ev.JobID != nil {
		args = append(args, "job_id", *ev.JobID)
	}
	if ev.JobType != nil {
		args = append(args, "job_type", string(*ev.JobType))
	}
	if ev.Duration != nil {
		args = append(args, "duration", *ev.Duration)
	}
	if ev.Err != nil {
		args = append(args, "error", ev.Err)
	}
	return args
}

func slogInfo(l *slog.Logger) func(LogEvent) {
	return func(ev LogEvent) {
		l.Info(ev.Message, ev.attrs()...)
	}
}

func slogError(l *slog.Logger) func(LogEvent) {
	return func(ev LogEvent) {
		l.Error(ev.Message, ev.attrs()...)
	}
}

// Helper methods to invoke logging
func (c *Config) logInfo(ev LogEvent) {
	if c.InfoLog == nil {
		slogInfo(c.logger())(ev)
		return
	}
	c.InfoLog(ev)
}

func (c *Config) logError(ev LogEvent) {
	if c.ErrorLog == nil {
		slogError(c.logger())(ev)
		return
	}
	c.ErrorLog(ev)
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func jobEvent(msg, workerID string, job *Job) LogEvent {
	id, typ := job.ID, job.Type
	return LogEvent{Message: msg, WorkerID: workerID, JobID: &id, JobType: &typ}
}

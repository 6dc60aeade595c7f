package jobflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	cfg      *Config
	store    *Store
	registry *Registry
	hooks    *Hooks
	worker   *Worker
	events   *eventRecorder
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	cfg := testConfig(newTestDB(t))
	cfg.setDefaults()
	rec := &eventRecorder{}
	cfg.InfoLog = rec.record
	cfg.ErrorLog = rec.record

	f := &workerFixture{
		cfg:      &cfg,
		store:    NewStore(cfg),
		registry: NewRegistry(),
		hooks:    NewHooks(),
		events:   rec,
	}
	f.worker = NewWorker("worker-test", f.cfg, f.store, f.registry, f.hooks, nil)
	return f
}

// drain runs cycles until no job is claimable.
func (f *workerFixture) drain(t *testing.T) int {
	t.Helper()
	cycles := 0
	for f.worker.RunOnce(context.Background()) {
		cycles++
		require.Less(t, cycles, 100, "worker never ran out of jobs")
	}
	return cycles
}

func TestWorkerRetryCeiling(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.registry.Register("X", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return errors.New("upstream unavailable")
	}))
	var failures []string
	f.hooks.OnFailure("X", func(ctx context.Context, job *Job, reason string) error {
		failures = append(failures, reason)
		return nil
	})

	job := mustCreate(t, f.store, NewJob{Type: "X", MaxAttempts: 3})

	assert.Equal(t, 3, f.drain(t))
	assert.EqualValues(t, 3, calls.Load())

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, []string{"upstream unavailable"}, failures)

	logs, err := f.store.Logs(ctx, job.ID)
	require.NoError(t, err)
	// created + 3 claims + 2 requeues + 1 failure
	require.Len(t, logs, 7)
	assert.Equal(t, JobFailed, logs[0].Status)
	assert.Equal(t, "upstream unavailable", logs[0].Message)
}

func TestWorkerMissingHandlerFailsOnFirstClaim(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var notified atomic.Bool
	f.hooks.OnFailure("X", func(ctx context.Context, job *Job, reason string) error {
		notified.Store(true)
		assert.Equal(t, "no handler registered", reason)
		return nil
	})

	job := mustCreate(t, f.store, NewJob{Type: "X", MaxAttempts: 2})
	require.True(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, notified.Load())

	logs, err := f.store.Logs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "no handler registered", logs[0].Message)

	assert.False(t, f.worker.RunOnce(ctx))
}

type importPayload struct {
	CatalogID int64 `json:"catalog_id"`
}

func TestWorkerCompletesJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var (
		seen     importPayload
		fileName string
	)
	require.NoError(t, f.registry.Register("IMPORT_SPREADSHEET", MakeHandler(
		func(ctx context.Context, task *Task, p importPayload) error {
			seen = p
			fileName = task.File.Name
			task.Heartbeat()
			return nil
		})))
	var completed atomic.Int64
	f.hooks.OnComplete("IMPORT_SPREADSHEET", func(ctx context.Context, job *Job) error {
		completed.Store(job.ID)
		return nil
	})

	payload, err := EncodePayload(importPayload{CatalogID: 42})
	require.NoError(t, err)
	job := mustCreate(t, f.store, NewJob{
		Type:    "IMPORT_SPREADSHEET",
		Payload: payload,
		File:    &File{Name: "sheet.csv", Content: []byte("a,b\n")},
	})

	require.True(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, int64(42), seen.CatalogID)
	assert.Equal(t, "sheet.csv", fileName)
	assert.Equal(t, job.ID, completed.Load())
	assert.Equal(t, WorkerIdle, f.worker.Status())
}

func TestWorkerInvalidPayloadCountsAsFailure(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("X", MakeHandler(
		func(ctx context.Context, task *Task, p importPayload) error { return nil })))

	job := mustCreate(t, f.store, NewJob{Type: "X", Payload: []byte(`{"catalog_id":"nope"}`), MaxAttempts: 1})
	require.True(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)

	logs, err := f.store.Logs(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, logs[0].Message, "invalid payload")
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("X", func(ctx context.Context, task *Task) error {
		panic("nil map")
	}))
	job := mustCreate(t, f.store, NewJob{Type: "X", MaxAttempts: 2})

	require.True(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	logs, err := f.store.Logs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "handler panicked: nil map", logs[0].Message)
}

func TestWorkerHeartbeatFailureDoesNotAbortHandler(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var finished atomic.Bool
	require.NoError(t, f.registry.Register("X", func(ctx context.Context, task *Task) error {
		// The row is released behind the handler's back, so the heartbeat cannot persist.
		require.NoError(t, f.store.Requeue(ctx, task.Job.ID, "", "released"))
		task.Heartbeat()
		finished.Store(true)
		return nil
	}))
	mustCreate(t, f.store, NewJob{Type: "X"})

	require.True(t, f.worker.RunOnce(ctx))
	assert.True(t, finished.Load())
	assert.Contains(t, f.events.messages(), "Heartbeat for job 1 ignored, job no longer processing")
}

func TestWorkerLeavesReclaimedJobToNewOwner(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("X", func(ctx context.Context, task *Task) error {
		// Released and claimed by another worker while this handler ran.
		require.NoError(t, f.store.Requeue(ctx, task.Job.ID, "", "released"))
		other, err := f.store.ClaimNext(ctx, "worker-other")
		require.NoError(t, err)
		require.NotNil(t, other)
		return nil
	}))
	var completed atomic.Bool
	f.hooks.OnComplete("X", func(ctx context.Context, job *Job) error {
		completed.Store(true)
		return nil
	})
	job := mustCreate(t, f.store, NewJob{Type: "X"})

	require.True(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobProcessing, got.Status)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "worker-other", *got.LockedBy)
	assert.False(t, completed.Load())
	assert.Contains(t, f.events.messages(), "Error completing job 1")
}

func TestWorkerHookErrorsDoNotChangeState(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("X", func(ctx context.Context, task *Task) error { return nil }))
	f.hooks.OnComplete("X", func(ctx context.Context, job *Job) error { return errors.New("record missing") })
	job := mustCreate(t, f.store, NewJob{Type: "X"})

	require.True(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Contains(t, f.events.messages(), "completion hook 0 for job 1 returned an error")
}

func TestWorkerRunOnceWithoutJobs(t *testing.T) {
	f := newWorkerFixture(t)
	assert.False(t, f.worker.RunOnce(context.Background()))
	assert.Equal(t, WorkerIdle, f.worker.Status())
}

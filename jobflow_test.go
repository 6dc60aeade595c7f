package jobflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowProcessesJobs(t *testing.T) {
	cfg := testConfig(newTestDB(t))
	cfg.Workers = 2
	flow := New(cfg)
	ctx := context.Background()

	done := make(chan int64, 10)
	require.NoError(t, flow.RegisterHandler("EXPORT_CATALOG", func(ctx context.Context, task *Task) error {
		task.Heartbeat()
		done <- task.Job.ID
		return nil
	}))

	require.True(t, flow.StartWorkers(ctx))
	t.Cleanup(func() { flow.Shutdown(5 * time.Second) })

	job, err := flow.CreateJob(ctx, NewJob{Type: "EXPORT_CATALOG"})
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was never processed")
	}

	require.Eventually(t, func() bool {
		got, err := flow.Store().Get(ctx, job.ID)
		return err == nil && got.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, flow.WorkerStatuses(), 2)
}

func TestFlowStartWorkersTwiceIsNoop(t *testing.T) {
	flow := New(testConfig(newTestDB(t)))
	ctx := context.Background()

	require.True(t, flow.StartWorkers(ctx))
	assert.False(t, flow.StartWorkers(ctx))
	assert.True(t, flow.Running())

	assert.True(t, flow.Shutdown(5*time.Second))
	assert.False(t, flow.Running())
	assert.True(t, flow.Shutdown(time.Second))
}

func TestFlowRegistryFrozenAfterStart(t *testing.T) {
	flow := New(testConfig(newTestDB(t)))
	noop := func(ctx context.Context, task *Task) error { return nil }

	require.NoError(t, flow.RegisterHandler("X", noop))
	require.True(t, flow.StartWorkers(context.Background()))
	t.Cleanup(func() { flow.Shutdown(5 * time.Second) })

	require.ErrorIs(t, flow.RegisterHandler("Y", noop), ErrRegistryFrozen)
}

func TestFlowLazyStart(t *testing.T) {
	cfg := testConfig(newTestDB(t))
	cfg.LazyStart = true
	flow := New(cfg)
	ctx := context.Background()

	require.NoError(t, flow.RegisterHandler("X", func(ctx context.Context, task *Task) error { return nil }))
	assert.False(t, flow.Running())

	job, err := flow.CreateJob(ctx, NewJob{Type: "X"})
	require.NoError(t, err)
	assert.True(t, flow.Running())
	t.Cleanup(func() { flow.Shutdown(5 * time.Second) })

	require.Eventually(t, func() bool {
		got, err := flow.Store().Get(ctx, job.ID)
		return err == nil && got.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFlowStartupSweepReleasesStalledJobs(t *testing.T) {
	cfg := testConfig(newTestDB(t))
	cfg.StallThreshold = time.Minute
	flow := New(cfg)
	ctx := context.Background()

	clock := newFakeClock()
	flow.store.now = clock.Now
	job := mustCreate(t, flow.store, NewJob{Type: "X", MaxAttempts: 1})
	mustClaim(t, flow.store)
	clock.Advance(time.Hour)

	var reason string
	flow.OnFailure("X", func(ctx context.Context, job *Job, r string) error {
		reason = r
		return nil
	})

	require.True(t, flow.StartWorkers(ctx))
	flow.Shutdown(5 * time.Second)

	got, err := flow.Store().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "released after missing heartbeat", reason)
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	var which string
	require.NoError(t, r.Register("X", func(ctx context.Context, task *Task) error { which = "first"; return nil }))
	require.NoError(t, r.Register("X", func(ctx context.Context, task *Task) error { which = "second"; return nil }))

	h, err := r.Lookup("X")
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), &Task{}))
	assert.Equal(t, "second", which)

	_, err = r.Lookup("Y")
	require.ErrorIs(t, err, ErrNoHandler)
	require.Error(t, r.Register("Z", nil))
	assert.ElementsMatch(t, []JobType{"X"}, r.Types())
}

package jobflow

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newMySQLStore starts a MySQL container, migrates it and returns a store.
// Skipped with -short.
func newMySQLStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MySQL integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.4",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "root",
				"MYSQL_DATABASE":      "catalog",
			},
			WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate mysql container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306")
	require.NoError(t, err)

	dsn := fmt.Sprintf("root:root@tcp(%s:%s)/catalog", host, port.Port())
	db, err := Open(DialectMySQL, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 30*time.Second, 250*time.Millisecond)
	require.NoError(t, MigrateDSN(DialectMySQL, dsn))
	require.NoError(t, MigrateDSN(DialectMySQL, dsn))

	return NewStore(Config{
		DB:      db,
		Dialect: DialectMySQL,
		Links:   []Link{{Name: "catalog", Table: "catalog_job_records", Column: "job_id"}},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestMySQLClaimProtocol(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()

	b := mustCreate(t, s, NewJob{Type: "X", Priority: 5})
	c := mustCreate(t, s, NewJob{Type: "X", Priority: 5})
	a := mustCreate(t, s, NewJob{Type: "X", Priority: 1})

	const workers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []int64
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.ClaimNext(ctx, fmt.Sprintf("w%d", i))
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				ids = append(ids, job.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Every job is claimed at most once, however the race played out.
	seen := make(map[int64]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "job %d claimed twice", id)
		seen[id] = true
	}
	for _, id := range []int64{a.ID, b.ID, c.ID} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		if seen[id] {
			assert.Equal(t, 1, got.Attempts)
		} else {
			assert.Equal(t, JobPending, got.Status)
		}
	}
}

func TestMySQLRuntimePoolRejectsMultiStatements(t *testing.T) {
	s := newMySQLStore(t)
	_, err := s.DB().ExecContext(context.Background(), `SELECT 1; SELECT 2`)
	require.Error(t, err)
}

func TestMySQLLifecycle(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()

	job := mustCreate(t, s, NewJob{Type: "TRANSMISSION", File: &File{Name: "p.json", BlobRef: "s3://bucket/p.json"}})
	_, err := s.DB().ExecContext(ctx, `INSERT INTO catalog_job_records (job_id, kind, reference, status, updated_at) VALUES (?, 'TRANSMISSION', 'P-1', 'PENDING', ?)`,
		job.ID, time.Now().UTC())
	require.NoError(t, err)

	claimed := mustClaim(t, s)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, "s3://bucket/p.json", claimed.File.BlobRef)
	require.NoError(t, s.Touch(ctx, job.ID, testWorker))

	_, err = s.Delete(ctx, job.ID)
	require.ErrorIs(t, err, ErrJobActive)
	require.ErrorIs(t, s.Complete(ctx, job.ID, "intruder", ""), ErrNotProcessing)

	require.NoError(t, s.Complete(ctx, job.ID, testWorker, ""))
	require.NoError(t, s.Complete(ctx, job.ID, testWorker, ""))

	list, err := s.List(ctx, ListFilter{Types: []JobType{"TRANSMISSION"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "completed", list[0].LastLog.Message)
	assert.Len(t, list[0].Links["catalog"], 1)

	n, err := s.PurgeHistory(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var jobID sql.NullInt64
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT job_id FROM catalog_job_records`).Scan(&jobID))
	assert.False(t, jobID.Valid)
}

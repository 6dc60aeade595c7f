package jobflow

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestDB opens a migrated SQLite database in a temp dir.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := Open(DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db, DialectSQLite))
	return db
}

func testConfig(db *sql.DB) Config {
	return Config{
		DB:            db,
		Dialect:       DialectSQLite,
		IdleDelay:     10 * time.Millisecond,
		SweepInterval: -1,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testConfig(newTestDB(t)))
}

// fakeClock is a settable time source for store.now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventRecorder collects LogEvents passed to InfoLog/ErrorLog.
type eventRecorder struct {
	mu     sync.Mutex
	events []LogEvent
}

func (r *eventRecorder) record(ev LogEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Message
	}
	return out
}

func mustCreate(t *testing.T, s *Store, nj NewJob) *Job {
	t.Helper()
	job, err := s.Create(context.Background(), nj)
	require.NoError(t, err)
	return job
}

const testWorker = "test-worker"

func mustClaim(t *testing.T, s *Store) *Job {
	t.Helper()
	job, err := s.ClaimNext(context.Background(), testWorker)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

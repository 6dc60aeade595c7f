package jobflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	msgCreated   = "created, awaiting processing"
	msgCompleted = "completed"
	msgFailed    = "failed"
	msgRequeued  = "requeued"
)

// Store is the durable job table, its attached files and the append-only
// status log. Every state transition is a single conditional row update
// followed by a log append, committed together.
type Store struct {
	db          *sql.DB
	dialect     Dialect
	dbName      string
	links       []Link
	maxAttempts int
	now         func() time.Time
}

// NewStore creates a Store from cfg. cfg.DB must already be open.
func NewStore(cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		db:          cfg.DB,
		dialect:     cfg.Dialect,
		dbName:      cfg.DbName,
		links:       cfg.Links,
		maxAttempts: cfg.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC().Round(time.Microsecond) },
	}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect the store was configured with.
func (s *Store) Dialect() Dialect { return s.dialect }

// withTx runs fn inside a transaction. The transaction is committed if fn
// returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Create inserts a PENDING job, its optional file and the initial log entry.
func (s *Store) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if nj.Type == "" {
		return nil, errors.New("create job: empty job type")
	}
	if nj.MaxAttempts <= 0 {
		nj.MaxAttempts = s.maxAttempts
	}
	now := s.now()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = insertJob(ctx, s, tx, nj, now); err != nil {
			return err
		}
		if nj.File != nil {
			if err := insertFile(ctx, s, tx, id, nj.File); err != nil {
				return err
			}
		}
		if nj.Attach != nil {
			if err := nj.Attach(ctx, tx, id); err != nil {
				return err
			}
		}
		return appendLog(ctx, s, tx, id, JobPending, msgCreated, now)
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.Get(ctx, id)
}

// ClaimNext selects the next PENDING job (priority DESC, id ASC) and moves it
// to PROCESSING owned by owner. It returns (nil, nil) when no job is
// available, including when a concurrent claimant won the race for the
// candidate; the caller simply tries again on its next cycle.
func (s *Store) ClaimNext(ctx context.Context, owner string) (*Job, error) {
	id, err := selectCandidate(ctx, s, s.db)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	now := s.now()
	var job *Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		won, err := claimCandidate(ctx, s, tx, id, owner, now)
		if err != nil || !won {
			return err
		}
		if job, err = selectJob(ctx, s, tx, id); err != nil {
			return err
		}
		msg := fmt.Sprintf("claimed by worker %s (attempt %d/%d)", owner, job.Attempts, job.MaxAttempts)
		return appendLog(ctx, s, tx, id, JobProcessing, msg, now)
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	return job, nil
}

// Touch refreshes the heartbeat of a PROCESSING job claimed by owner. It
// returns ErrNotProcessing once the job was released or claimed by someone
// else. An empty owner skips the ownership check.
func (s *Store) Touch(ctx context.Context, id int64, owner string) error {
	n, err := touchJob(ctx, s, s.db, id, owner, s.now())
	if err != nil {
		return fmt.Errorf("touch job %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("touch job %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// Complete marks a PROCESSING job claimed by owner COMPLETED. Completing an
// already completed job is a no-op.
func (s *Store) Complete(ctx context.Context, id int64, owner, message string) error {
	return s.transition(ctx, id, owner, JobCompleted, orDefault(message, msgCompleted), true)
}

// Fail marks a PROCESSING job claimed by owner FAILED. Failing an already
// failed job is a no-op.
func (s *Store) Fail(ctx context.Context, id int64, owner, message string) error {
	return s.transition(ctx, id, owner, JobFailed, orDefault(message, msgFailed), true)
}

// Requeue returns a PROCESSING job claimed by owner to PENDING, keeping its
// attempt count.
func (s *Store) Requeue(ctx context.Context, id int64, owner, message string) error {
	return s.transition(ctx, id, owner, JobPending, orDefault(message, msgRequeued), false)
}

// transition applies a guarded status change. A job still PROCESSING under
// another owner is rejected with ErrNotProcessing so a released worker
// cannot settle the claim that replaced its own. An empty owner matches any
// claimant.
func (s *Store) transition(ctx context.Context, id int64, owner string, to JobStatus, message string, idempotent bool) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := finishJob(ctx, s, tx, id, owner, to, now)
		if err != nil {
			return err
		}
		if n == 0 {
			status, err := selectStatus(ctx, s, tx, id)
			if err != nil {
				return err
			}
			if idempotent && status == to {
				return nil
			}
			if status == JobProcessing {
				return fmt.Errorf("%w (claimed by another worker)", ErrNotProcessing)
			}
			return fmt.Errorf("%w (status %s)", ErrNotProcessing, status)
		}
		return appendLog(ctx, s, tx, id, to, message, now)
	})
	if err != nil {
		return fmt.Errorf("%s job %d: %w", verb(to), id, err)
	}
	return nil
}

func verb(to JobStatus) string {
	switch to {
	case JobCompleted:
		return "complete"
	case JobFailed:
		return "fail"
	default:
		return "requeue"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Get returns the job with its attached file.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	job, err := selectJob(ctx, s, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Logs returns the status history of a job, newest first.
func (s *Store) Logs(ctx context.Context, id int64) ([]LogEntry, error) {
	logs, err := selectLogs(ctx, s, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("list logs of job %d: %w", id, err)
	}
	return logs, nil
}

// List returns jobs newest first with their latest log entry and domain links.
func (s *Store) List(ctx context.Context, f ListFilter) ([]JobSummary, error) {
	out, err := selectSummaries(ctx, s, s.db, f)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(out) == 0 || len(s.links) == 0 {
		return out, nil
	}

	ids := make([]int64, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	for _, link := range s.links {
		byJob, err := selectLinks(ctx, s, s.db, link, ids)
		if err != nil {
			return nil, fmt.Errorf("list jobs: link %s: %w", link.Name, err)
		}
		for i := range out {
			keys, ok := byJob[out[i].ID]
			if !ok {
				continue
			}
			if out[i].Links == nil {
				out[i].Links = make(map[string][]int64)
			}
			out[i].Links[link.Name] = keys
		}
	}
	return out, nil
}

// FindStalled returns PROCESSING jobs whose heartbeat (or claim time, absent
// a heartbeat) is older than threshold.
func (s *Store) FindStalled(ctx context.Context, threshold time.Duration) ([]*Job, error) {
	jobs, err := selectStalled(ctx, s, s.db, s.now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("find stalled jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a terminal job, detaching domain rows that reference it.
// It reports whether a row existed and returns ErrJobActive for PENDING or
// PROCESSING jobs.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	var existed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := selectStatus(ctx, s, tx, id)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !status.Terminal() {
			return ErrJobActive
		}
		if err := detachLinks(ctx, s, tx, "?", id); err != nil {
			return err
		}
		if err := deleteChildren(ctx, s, tx, "?", id); err != nil {
			return err
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status IN (?, ?)`, s.table("jobs"))
		res, err := tx.ExecContext(ctx, query, id, JobCompleted, JobFailed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		existed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete job %d: %w", id, err)
	}
	return existed, nil
}

// PurgeHistory removes every terminal job. It refuses with ErrJobsActive
// while any job is PENDING or PROCESSING.
func (s *Store) PurgeHistory(ctx context.Context) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		active, err := countActive(ctx, s, tx)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w (%d)", ErrJobsActive, active)
		}
		terminal := fmt.Sprintf(`SELECT id FROM %s WHERE status IN (?, ?)`, s.table("jobs"))
		if err := detachLinks(ctx, s, tx, terminal, JobCompleted, JobFailed); err != nil {
			return err
		}
		if err := deleteChildren(ctx, s, tx, terminal, JobCompleted, JobFailed); err != nil {
			return err
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE status IN (?, ?)`, s.table("jobs"))
		res, err := tx.ExecContext(ctx, query, JobCompleted, JobFailed)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge job history: %w", err)
	}
	return removed, nil
}

// Stats returns the number of jobs per status.
func (s *Store) Stats(ctx context.Context) (map[JobStatus]int, error) {
	stats, err := selectStats(ctx, s, s.db)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

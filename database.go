package jobflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

var jobFields = []string{
	"id", "type", "status", "priority", "attempts", "max_attempts", "payload",
	"locked_by", "locked_at", "heartbeat_at", "finished_at", "created_at", "updated_at",
}

var fileFields = []string{"name", "content", "blob_ref", "expires_at"}

// columns renders fields qualified with alias, e.g. "j.id, j.type".
func columns(alias string, fields []string) string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = alias + "." + f
	}
	return strings.Join(out, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) table(name string) string {
	if s.dbName == "" {
		return name
	}
	return s.dbName + "." + name
}

// jobDest returns scan destinations for jobFields and a func that copies the
// nullable columns into job once Scan succeeded.
func jobDest(job *Job) ([]any, func()) {
	var (
		typ, status                                  string
		lockedBy                                     sql.NullString
		lockedAt, heartbeatAt, finishedAt, updatedAt sql.NullTime
	)
	dest := []any{
		&job.ID, &typ, &status, &job.Priority, &job.Attempts, &job.MaxAttempts, &job.Payload,
		&lockedBy, &lockedAt, &heartbeatAt, &finishedAt, &job.CreatedAt, &updatedAt,
	}
	return dest, func() {
		job.Type = JobType(typ)
		job.Status = JobStatus(status)
		job.LockedBy = nullString(lockedBy)
		job.LockedAt = nullTime(lockedAt)
		job.HeartbeatAt = nullTime(heartbeatAt)
		job.FinishedAt = nullTime(finishedAt)
		if updatedAt.Valid {
			job.UpdatedAt = updatedAt.Time
		}
	}
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	dest, finish := jobDest(&job)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	return &job, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Round(time.Microsecond)
}

func insertJob(ctx context.Context, s *Store, q querier, nj NewJob, now time.Time) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s
		(type, status, priority, attempts, max_attempts, payload, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)`, s.table("jobs"))
	res, err := q.ExecContext(ctx, query, string(nj.Type), JobPending, nj.Priority, nj.MaxAttempts, nj.Payload, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get lastInsertId: %w", err)
	}
	return id, nil
}

func insertFile(ctx context.Context, s *Store, q querier, jobID int64, f *File) error {
	var blobRef any
	if f.BlobRef != "" {
		blobRef = f.BlobRef
	}
	query := fmt.Sprintf(`INSERT INTO %s (job_id, name, content, blob_ref, expires_at) VALUES (?, ?, ?, ?, ?)`,
		s.table("job_files"))
	if _, err := q.ExecContext(ctx, query, jobID, f.Name, f.Content, blobRef, timeOrNil(f.ExpiresAt)); err != nil {
		return fmt.Errorf("failed to insert job file: %w", err)
	}
	return nil
}

func appendLog(ctx context.Context, s *Store, q querier, jobID int64, status JobStatus, message string, now time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (job_id, status, message, created_at) VALUES (?, ?, ?, ?)`, s.table("job_logs"))
	if _, err := q.ExecContext(ctx, query, jobID, status, message, now); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// selectCandidate returns the id of the next PENDING job by priority DESC, id ASC,
// or sql.ErrNoRows.
func selectCandidate(ctx context.Context, s *Store, q querier) (int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s
		WHERE status = ?
		ORDER BY priority DESC, id ASC
		LIMIT 1`, s.table("jobs"))
	var id int64
	if err := q.QueryRowContext(ctx, query, JobPending).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// claimCandidate moves id from PENDING to PROCESSING. It reports false when a
// concurrent claimant got there first.
func claimCandidate(ctx context.Context, s *Store, q querier, id int64, owner string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s
		SET
		  status = ?,
		  locked_by = ?,
		  locked_at = ?,
		  heartbeat_at = ?,
		  attempts = attempts + 1,
		  updated_at = ?
		WHERE id = ? AND status = ?`, s.table("jobs"))
	res, err := q.ExecContext(ctx, query, JobProcessing, owner, now, now, now, id, JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func selectJob(ctx context.Context, s *Store, q querier, id int64) (*Job, error) {
	query := fmt.Sprintf(`SELECT %s, f.job_id, %s
		FROM %s j
		LEFT JOIN %s f ON f.job_id = j.id
		WHERE j.id = ?`,
		columns("j", jobFields), columns("f", fileFields), s.table("jobs"), s.table("job_files"))

	var (
		job       Job
		fileJobID sql.NullInt64
		name      sql.NullString
		content   []byte
		blobRef   sql.NullString
		expiresAt sql.NullTime
	)
	dest, finish := jobDest(&job)
	dest = append(dest, &fileJobID, &name, &content, &blobRef, &expiresAt)
	if err := q.QueryRowContext(ctx, query, id).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	finish()
	if fileJobID.Valid {
		job.File = &File{
			Name:      name.String,
			Content:   content,
			BlobRef:   blobRef.String,
			ExpiresAt: nullTime(expiresAt),
		}
	}
	return &job, nil
}

func selectStatus(ctx context.Context, s *Store, q querier, id int64) (JobStatus, error) {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, s.table("jobs"))
	if err := q.QueryRowContext(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return JobStatus(status), nil
}

// ownedBy appends the lock owner condition to a PROCESSING guard. An empty
// owner matches any claimant.
func ownedBy(where string, args []any, owner string) (string, []any) {
	if owner == "" {
		return where, args
	}
	return where + " AND locked_by = ?", append(args, owner)
}

// finishJob moves a PROCESSING job held by owner to status and clears its
// lock fields. finished_at is set for terminal statuses and cleared otherwise.
func finishJob(ctx context.Context, s *Store, q querier, id int64, owner string, status JobStatus, now time.Time) (int64, error) {
	var finishedAt any
	if status.Terminal() {
		finishedAt = now
	}
	where, args := ownedBy("id = ? AND status = ?", []any{id, JobProcessing}, owner)
	query := fmt.Sprintf(`UPDATE %s
		SET
		  status = ?,
		  finished_at = ?,
		  locked_by = NULL,
		  locked_at = NULL,
		  heartbeat_at = NULL,
		  updated_at = ?
		WHERE %s`, s.table("jobs"), where)
	res, err := q.ExecContext(ctx, query, append([]any{status, finishedAt, now}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func touchJob(ctx context.Context, s *Store, q querier, id int64, owner string, now time.Time) (int64, error) {
	where, args := ownedBy("id = ? AND status = ?", []any{id, JobProcessing}, owner)
	query := fmt.Sprintf(`UPDATE %s SET heartbeat_at = ?, updated_at = ? WHERE %s`, s.table("jobs"), where)
	res, err := q.ExecContext(ctx, query, append([]any{now, now}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func selectStalled(ctx context.Context, s *Store, q querier, cutoff time.Time) ([]*Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s j
		WHERE j.status = ?
		  AND COALESCE(j.heartbeat_at, j.locked_at) < ?
		ORDER BY j.id`, columns("j", jobFields), s.table("jobs"))
	rows, err := q.QueryContext(ctx, query, JobProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func selectSummaries(ctx context.Context, s *Store, q querier, f ListFilter) ([]JobSummary, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "j.status = ?")
		args = append(args, f.Status)
	}
	if len(f.Types) > 0 {
		where = append(where, "j.type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s, l.id, l.status, l.message, l.created_at
		FROM %s j
		LEFT JOIN %s l ON l.id = (SELECT MAX(l2.id) FROM %s l2 WHERE l2.job_id = j.id)
		%s
		ORDER BY j.id DESC
		LIMIT ?`,
		columns("j", jobFields), s.table("jobs"), s.table("job_logs"), s.table("job_logs"), clause)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var (
			sum       JobSummary
			logID     sql.NullInt64
			logStatus sql.NullString
			logMsg    sql.NullString
			logAt     sql.NullTime
		)
		dest, finish := jobDest(&sum.Job)
		dest = append(dest, &logID, &logStatus, &logMsg, &logAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		finish()
		if logID.Valid {
			sum.LastLog = &LogEntry{
				ID:        logID.Int64,
				JobID:     sum.ID,
				Status:    JobStatus(logStatus.String),
				Message:   logMsg.String,
				CreatedAt: logAt.Time.UTC(),
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// selectLinks returns, for each job id, the ids of rows in link.Table referencing it.
func selectLinks(ctx context.Context, s *Store, q querier, link Link, jobIDs []int64) (map[int64][]int64, error) {
	query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s IN (%s) ORDER BY %s`,
		link.Column, link.KeyColumn, s.table(link.Table), link.Column, placeholders(len(jobIDs)), link.KeyColumn)
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var jobID, key int64
		if err := rows.Scan(&jobID, &key); err != nil {
			return nil, err
		}
		out[jobID] = append(out[jobID], key)
	}
	return out, rows.Err()
}

func selectLogs(ctx context.Context, s *Store, q querier, jobID int64) ([]LogEntry, error) {
	query := fmt.Sprintf(`SELECT id, job_id, status, message, created_at FROM %s
		WHERE job_id = ?
		ORDER BY created_at DESC, id DESC`, s.table("job_logs"))
	rows, err := q.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e      LogEntry
			status string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &status, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = JobStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// detachLinks nulls every configured foreign key pointing at jobs matched by
// the subquery jobFilter (a "SELECT id FROM jobs ..." fragment) or at id.
func detachLinks(ctx context.Context, s *Store, q querier, jobFilter string, args ...any) error {
	for _, link := range s.links {
		query := fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE %s IN (%s)`,
			s.table(link.Table), link.Column, link.Column, jobFilter)
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("detach %s.%s: %w", link.Table, link.Column, err)
		}
	}
	return nil
}

// deleteChildren removes the log and file rows of jobs matched by jobFilter.
func deleteChildren(ctx context.Context, s *Store, q querier, jobFilter string, args ...any) error {
	for _, child := range []string{"job_logs", "job_files"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE job_id IN (%s)`, s.table(child), jobFilter)
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete %s: %w", child, err)
		}
	}
	return nil
}

func countActive(ctx context.Context, s *Store, q querier) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status IN (?, ?)`, s.table("jobs"))
	if err := q.QueryRowContext(ctx, query, JobPending, JobProcessing).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func selectStats(ctx context.Context, s *Store, q querier) (map[JobStatus]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table("jobs"))
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[JobStatus]int{JobPending: 0, JobProcessing: 0, JobCompleted: 0, JobFailed: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[JobStatus(status)] = n
	}
	return out, rows.Err()
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sky93/jobflow"
)

// ErrRecordNotFound is returned when no catalog record exists for a job.
var ErrRecordNotFound = errors.New("catalog record not found")

// Record is one row of catalog_job_records. JobID is nil once the job it
// referenced was deleted or purged.
type Record struct {
	ID        int64
	JobID     *int64
	Kind      jobflow.JobType
	Reference string
	Status    RecordStatus
	Detail    string
	UpdatedAt time.Time
}

// Records reads and writes catalog_job_records.
type Records struct {
	db     *sql.DB
	dbName string
	now    func() time.Time
}

// NewRecords returns a Records on db. dbName qualifies the table when set.
func NewRecords(db *sql.DB, dbName string) *Records {
	return &Records{
		db:     db,
		dbName: dbName,
		now:    func() time.Time { return time.Now().UTC().Round(time.Microsecond) },
	}
}

func (r *Records) table() string {
	if r.dbName == "" {
		return RecordsTable
	}
	return r.dbName + "." + RecordsTable
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open inserts a PENDING record for jobID through ex, which is usually the
// transaction creating the job.
func (r *Records) Open(ctx context.Context, ex execer, jobID int64, kind jobflow.JobType, reference string) (*Record, error) {
	now := r.now()
	res, err := ex.ExecContext(ctx,
		`INSERT INTO `+r.table()+` (job_id, kind, reference, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, string(kind), reference, string(RecordPending), now)
	if err != nil {
		return nil, fmt.Errorf("insert catalog record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert catalog record: %w", err)
	}
	return &Record{
		ID:        id,
		JobID:     &jobID,
		Kind:      kind,
		Reference: reference,
		Status:    RecordPending,
		UpdatedAt: now,
	}, nil
}

// Note stores a progress or result detail on the record of jobID without
// changing its status.
func (r *Records) Note(ctx context.Context, jobID int64, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE `+r.table()+` SET detail = ?, updated_at = ? WHERE job_id = ?`,
		detail, r.now(), jobID)
	if err != nil {
		return fmt.Errorf("note catalog record for job %d: %w", jobID, err)
	}
	return nil
}

// Mark sets the status of the record of jobID. A non-empty detail replaces
// the stored one. Jobs without a record are ignored.
func (r *Records) Mark(ctx context.Context, jobID int64, status RecordStatus, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE `+r.table()+` SET status = ?, detail = COALESCE(NULLIF(?, ''), detail), updated_at = ? WHERE job_id = ?`,
		string(status), detail, r.now(), jobID)
	if err != nil {
		return fmt.Errorf("mark catalog record for job %d: %w", jobID, err)
	}
	return nil
}

// ByJob returns the record of jobID.
func (r *Records) ByJob(ctx context.Context, jobID int64) (*Record, error) {
	var (
		rec    Record
		job    sql.NullInt64
		kind   string
		status string
		detail sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, job_id, kind, reference, status, detail, updated_at FROM `+r.table()+` WHERE job_id = ?`,
		jobID).Scan(&rec.ID, &job, &kind, &rec.Reference, &status, &detail, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select catalog record for job %d: %w", jobID, err)
	}
	if job.Valid {
		rec.JobID = &job.Int64
	}
	rec.Kind = jobflow.JobType(kind)
	rec.Status = RecordStatus(status)
	rec.Detail = detail.String
	return &rec, nil
}

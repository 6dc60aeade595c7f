package jobflow

import (
	"context"
	"database/sql"
	"time"
)

// JobStatus enumerates the possible states of a job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions can happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobType selects the handler that processes a job (e.g. "IMPORT_SPREADSHEET").
type JobType string

// Job corresponds to one row in the jobs table.
type Job struct {
	ID          int64
	Type        JobType
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	Payload     []byte
	LockedBy    *string
	LockedAt    *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// File is the attached input file, if any.
	File *File
}

// Exhausted reports whether the job used up its attempts.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// File is the optional input file attached to a job. Content holds the bytes
// inline; BlobRef points at external blob storage instead.
type File struct {
	Name      string
	Content   []byte
	BlobRef   string
	ExpiresAt *time.Time
}

// Expired reports whether the file is past its expiry at now.
func (f *File) Expired(now time.Time) bool {
	return f != nil && f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// NewJob describes a job to enqueue. Zero Priority and MaxAttempts fall back
// to 0 and Config.MaxAttempts.
type NewJob struct {
	Type        JobType
	Payload     []byte
	Priority    int
	MaxAttempts int
	File        *File

	// Attach, when set, runs inside the create transaction after the job row
	// is inserted. Domain rows that reference the job commit with it.
	Attach func(ctx context.Context, tx *sql.Tx, jobID int64) error
}

// LogEntry is one immutable row of a job's status history.
type LogEntry struct {
	ID        int64
	JobID     int64
	Status    JobStatus
	Message   string
	CreatedAt time.Time
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Status JobStatus
	Types  []JobType
	Limit  int
}

// JobSummary is the read-only projection returned by List.
type JobSummary struct {
	Job
	LastLog *LogEntry
	// Links maps a configured link name to the ids of domain rows referencing the job.
	Links map[string][]int64
}

// Link names a domain table column holding a foreign key to jobs.id.
type Link struct {
	Name   string
	Table  string
	Column string
	// KeyColumn is the primary key reported by List; defaults to "id".
	KeyColumn string
}

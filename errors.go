package jobflow

import "errors"

var (
	// ErrJobNotFound is returned when no job row has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned by Delete for PENDING or PROCESSING jobs.
	ErrJobActive = errors.New("job still active")

	// ErrJobsActive is returned by PurgeHistory while any job is PENDING or PROCESSING.
	ErrJobsActive = errors.New("jobs still active")

	// ErrNotProcessing is returned when a transition expects a PROCESSING row.
	ErrNotProcessing = errors.New("job is not processing")

	// ErrNoHandler is returned when no handler is registered for a job type.
	ErrNoHandler = errors.New("no handler registered")

	// ErrRegistryFrozen is returned when registering handlers after workers started.
	ErrRegistryFrozen = errors.New("handler registry is frozen")
)

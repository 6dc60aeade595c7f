package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/sky93/jobflow"
)

// Registrar is the part of jobflow.Flow the catalog wires itself into.
type Registrar interface {
	RegisterHandler(t jobflow.JobType, h jobflow.JobHandler) error
	OnFailure(t jobflow.JobType, fn jobflow.FailureHook)
	OnComplete(t jobflow.JobType, fn jobflow.CompletionHook)
}

// Creator enqueues jobs.
type Creator interface {
	CreateJob(ctx context.Context, nj jobflow.NewJob) (*jobflow.Job, error)
}

// Options configures a Service.
type Options struct {
	DbName string
	// SiscomexURL is the base URL products are transmitted to.
	SiscomexURL string
	// Client defaults to an http.Client with a 30s timeout.
	Client *http.Client
	// ExportDir receives EXPORT_CATALOG output files.
	ExportDir string
	// HeartbeatEvery is the number of spreadsheet rows between heartbeats.
	HeartbeatEvery int
	Logger         *slog.Logger
}

// Service runs the catalog job handlers.
type Service struct {
	records  *Records
	products *Products
	opts     Options
	now      func() time.Time
}

// NewService returns a Service storing its records and products in db.
func NewService(db *sql.DB, opts Options) *Service {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "exports"
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		records:  NewRecords(db, opts.DbName),
		products: NewProducts(db, opts.DbName),
		opts:     opts,
		now:      time.Now,
	}
}

// Records returns the record table.
func (s *Service) Records() *Records { return s.records }

// Products returns the product table.
func (s *Service) Products() *Products { return s.products }

// Register installs the handler and the record-marking hooks of every
// catalog job type.
func (s *Service) Register(r Registrar) error {
	handlers := map[jobflow.JobType]jobflow.JobHandler{
		ImportSpreadsheet: jobflow.MakeHandler(s.importSpreadsheet),
		ExportCatalog:     jobflow.MakeHandler(s.exportCatalog),
		VerifyStructure:   jobflow.MakeHandler(s.verifyStructure),
		MassAttributeFill: jobflow.MakeHandler(s.massAttributeFill),
		Transmission:      jobflow.MakeHandler(s.transmit),
	}
	for _, t := range JobTypes {
		if err := r.RegisterHandler(t, handlers[t]); err != nil {
			return fmt.Errorf("register %s: %w", t, err)
		}
		r.OnFailure(t, s.markFailed)
		r.OnComplete(t, s.markCompleted)
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, job *jobflow.Job, reason string) error {
	return s.records.Mark(ctx, job.ID, RecordFailed, reason)
}

func (s *Service) markCompleted(ctx context.Context, job *jobflow.Job) error {
	return s.records.Mark(ctx, job.ID, RecordCompleted, "")
}

// Submit enqueues a catalog job with payload encoded as JSON and opens its
// record in the same transaction. reference identifies the catalog entity
// the job works on.
func (s *Service) Submit(ctx context.Context, c Creator, t jobflow.JobType, reference string, payload any, file *jobflow.File) (*jobflow.Job, error) {
	raw, err := jobflow.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return s.SubmitJob(ctx, c, jobflow.NewJob{Type: t, Payload: raw, File: file}, reference)
}

// SubmitJob is Submit for a prepared NewJob. Any Attach func on nj is
// replaced.
func (s *Service) SubmitJob(ctx context.Context, c Creator, nj jobflow.NewJob, reference string) (*jobflow.Job, error) {
	if !IsCatalogType(nj.Type) {
		return nil, fmt.Errorf("unknown catalog job type %q", nj.Type)
	}
	nj.Attach = func(ctx context.Context, tx *sql.Tx, jobID int64) error {
		_, err := s.records.Open(ctx, tx, jobID, nj.Type, reference)
		return err
	}
	return c.CreateJob(ctx, nj)
}

// IsCatalogType reports whether t is handled by this package.
func IsCatalogType(t jobflow.JobType) bool {
	return slices.Contains(JobTypes, t)
}

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sky93/jobflow"
)

type fixture struct {
	db   *sql.DB
	flow *jobflow.Flow
	svc  *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "catalog.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := jobflow.Open(jobflow.DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, jobflow.Migrate(db, jobflow.DialectSQLite))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	flow := jobflow.New(jobflow.Config{
		DB:            db,
		Dialect:       jobflow.DialectSQLite,
		MaxAttempts:   1,
		IdleDelay:     10 * time.Millisecond,
		SweepInterval: -1,
		Links:         []jobflow.Link{Link()},
		Logger:        logger,
	})
	if opts.ExportDir == "" {
		opts.ExportDir = t.TempDir()
	}
	opts.Logger = logger
	svc := NewService(db, opts)
	require.NoError(t, svc.Register(flow))
	require.True(t, flow.StartWorkers(context.Background()))
	t.Cleanup(func() { flow.Shutdown(5 * time.Second) })

	return &fixture{db: db, flow: flow, svc: svc}
}

// run submits a job and waits until its record leaves PENDING.
func (f *fixture) run(t *testing.T, jt jobflow.JobType, payload any, file *jobflow.File) *Record {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, f.flow, jt, "ref-1", payload, file)
	require.NoError(t, err)

	var rec *Record
	require.Eventually(t, func() bool {
		rec, err = f.svc.Records().ByJob(ctx, job.ID)
		return err == nil && rec.Status != RecordPending
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func (f *fixture) seed(t *testing.T, products ...Product) {
	t.Helper()
	_, err := f.svc.Products().Upsert(context.Background(), 7, products)
	require.NoError(t, err)
}

func TestImportSpreadsheet(t *testing.T) {
	f := newFixture(t, Options{HeartbeatEvery: 1})

	csv := "code,description,ncm,color\nA-1,Bolt,73181500,grey\nA-2,Nut,73181600,\n"
	rec := f.run(t, ImportSpreadsheet, ImportPayload{CatalogID: 7}, &jobflow.File{Name: "sheet.csv", Content: []byte(csv)})

	assert.Equal(t, RecordCompleted, rec.Status)
	assert.Equal(t, "imported 2 products", rec.Detail)

	products, err := f.svc.Products().List(context.Background(), 7, nil)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "A-1", products[0].Code)
	assert.Equal(t, map[string]string{"color": "grey"}, products[0].Attributes)
	assert.Empty(t, products[1].Attributes)
}

func TestImportSpreadsheetMissingColumnFailsRecord(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.run(t, ImportSpreadsheet, ImportPayload{CatalogID: 7}, &jobflow.File{Name: "sheet.csv", Content: []byte("code,description\nA-1,Bolt\n")})

	assert.Equal(t, RecordFailed, rec.Status)
	assert.Equal(t, `spreadsheet is missing the "ncm" column`, rec.Detail)
}

func TestImportSpreadsheetExpiredFile(t *testing.T) {
	f := newFixture(t, Options{})
	past := time.Now().Add(-time.Hour)

	rec := f.run(t, ImportSpreadsheet, ImportPayload{CatalogID: 7}, &jobflow.File{Name: "old.csv", Content: []byte("code\n"), ExpiresAt: &past})

	assert.Equal(t, RecordFailed, rec.Status)
	assert.Equal(t, "attached file old.csv expired", rec.Detail)
}

func TestImportSpreadsheetFromBlobRef(t *testing.T) {
	blobs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "code,description,ncm\nB-1,Washer,73182200\n")
	}))
	t.Cleanup(blobs.Close)
	f := newFixture(t, Options{})

	rec := f.run(t, ImportSpreadsheet, ImportPayload{CatalogID: 7}, &jobflow.File{Name: "remote.csv", BlobRef: blobs.URL + "/remote.csv"})

	assert.Equal(t, RecordCompleted, rec.Status)
	assert.Equal(t, "imported 1 products", rec.Detail)
}

func TestExportCatalog(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Options{ExportDir: dir})
	f.seed(t,
		Product{Code: "A-1", Description: "Bolt", NCM: "73181500", Attributes: map[string]string{"color": "grey"}},
		Product{Code: "A-2", Description: "Nut", NCM: "73181600", Attributes: map[string]string{"size": "M8"}},
	)

	rec := f.run(t, ExportCatalog, ExportPayload{CatalogID: 7}, nil)
	require.Equal(t, RecordCompleted, rec.Status)

	content, err := os.ReadFile(rec.Detail)
	require.NoError(t, err)
	assert.Equal(t, "code,description,ncm,color,size\nA-1,Bolt,73181500,grey,\nA-2,Nut,73181600,,M8\n", string(content))
}

func TestVerifyStructureReportsProblems(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t,
		Product{Code: "A-1", Description: "Bolt", NCM: "73181500"},
		Product{Code: "A-2", NCM: "7318"},
	)

	rec := f.run(t, VerifyStructure, VerifyPayload{CatalogID: 7}, nil)

	assert.Equal(t, RecordCompleted, rec.Status)
	assert.Equal(t, `verified 2 products, 2 problems: A-2: missing description; A-2: invalid NCM "7318"`, rec.Detail)
}

func TestVerifyStructureEmptyCatalogFails(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.run(t, VerifyStructure, VerifyPayload{CatalogID: 99}, nil)

	assert.Equal(t, RecordFailed, rec.Status)
	assert.Equal(t, "catalog 99 has no products", rec.Detail)
}

func TestMassAttributeFill(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t,
		Product{Code: "A-1", Description: "Bolt", NCM: "73181500"},
		Product{Code: "A-2", Description: "Nut", NCM: "73181600"},
	)

	rec := f.run(t, MassAttributeFill, FillPayload{CatalogID: 7, Attribute: "origin", Value: "BR", Codes: []string{"A-2"}}, nil)
	assert.Equal(t, RecordCompleted, rec.Status)
	assert.Equal(t, "set origin on 1 products", rec.Detail)

	products, err := f.svc.Products().List(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Empty(t, products[0].Attributes)
	assert.Equal(t, "BR", products[1].Attributes["origin"])
}

func TestTransmission(t *testing.T) {
	requests := make(chan transmissionRequest, 1)
	siscomex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/produtos", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req transmissionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests <- req
		_, _ = io.WriteString(w, `{"protocol":"P-123"}`)
	}))
	t.Cleanup(siscomex.Close)

	f := newFixture(t, Options{SiscomexURL: siscomex.URL + "/"})
	f.seed(t, Product{Code: "A-1", Description: "Bolt", NCM: "73181500"})

	rec := f.run(t, Transmission, TransmissionPayload{CatalogID: 7}, nil)

	assert.Equal(t, RecordCompleted, rec.Status)
	assert.Equal(t, `transmitted 1 products: {"protocol":"P-123"}`, rec.Detail)
	got := <-requests
	assert.Equal(t, int64(7), got.CatalogID)
	require.Len(t, got.Products, 1)
	assert.Equal(t, "A-1", got.Products[0].Code)
}

func TestTransmissionRejected(t *testing.T) {
	siscomex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "NCM not accepted", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(siscomex.Close)

	f := newFixture(t, Options{SiscomexURL: siscomex.URL})
	f.seed(t, Product{Code: "A-1", Description: "Bolt", NCM: "73181500"})

	rec := f.run(t, Transmission, TransmissionPayload{CatalogID: 7}, nil)

	assert.Equal(t, RecordFailed, rec.Status)
	assert.Equal(t, "siscomex answered 422: NCM not accepted", rec.Detail)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Submit(context.Background(), f.flow, "REINDEX", "ref", nil, nil)
	require.Error(t, err)
}

func TestPurgeDetachesRecords(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, Product{Code: "A-1", Description: "Bolt", NCM: "73181500"})
	ctx := context.Background()

	rec := f.run(t, VerifyStructure, VerifyPayload{CatalogID: 7}, nil)
	jobID := *rec.JobID

	// The record is marked by the completion hook right after the job
	// completes, so the job is terminal by now.
	require.Eventually(t, func() bool {
		n, err := f.flow.Store().PurgeHistory(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.svc.Records().ByJob(ctx, jobID)
	require.ErrorIs(t, err, ErrRecordNotFound)

	var detached sql.NullInt64
	require.NoError(t, f.db.QueryRow(`SELECT job_id FROM catalog_job_records WHERE id = ?`, rec.ID).Scan(&detached))
	assert.False(t, detached.Valid)
}

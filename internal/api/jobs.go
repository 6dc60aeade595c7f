package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sky93/jobflow"
	"github.com/sky93/jobflow/internal/catalog"
)

// fileBody describes an attached file. Content is base64 in JSON.
type fileBody struct {
	Name      string     `json:"name"`
	Content   []byte     `json:"content,omitempty"`
	BlobRef   string     `json:"blob_ref,omitempty"`
	Size      int        `json:"size"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// jobBody is the JSON form of a job.
type jobBody struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	File        *fileBody       `json:"file,omitempty"`
}

type logBody struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// jobSummaryBody is one element of GET /api/v1/jobs.
type jobSummaryBody struct {
	jobBody
	LastLog *logBody           `json:"last_log,omitempty"`
	Links   map[string][]int64 `json:"links,omitempty"`
}

// jobDetailBody is the response of GET /api/v1/jobs/{id}.
type jobDetailBody struct {
	jobBody
	Logs []logBody `json:"logs"`
}

// createJobBody is the JSON request body for POST /api/v1/jobs.
type createJobBody struct {
	Type        string          `json:"type"`
	Reference   string          `json:"reference"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	File        *fileBody       `json:"file"`
}

func toJobBody(j *jobflow.Job) jobBody {
	b := jobBody{
		ID:          j.ID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LockedBy:    j.LockedBy,
		LockedAt:    j.LockedAt,
		HeartbeatAt: j.HeartbeatAt,
		FinishedAt:  j.FinishedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if json.Valid(j.Payload) {
		b.Payload = j.Payload
	}
	if j.File != nil {
		b.File = &fileBody{
			Name:      j.File.Name,
			BlobRef:   j.File.BlobRef,
			Size:      len(j.File.Content),
			ExpiresAt: j.File.ExpiresAt,
		}
	}
	return b
}

func toLogBody(l jobflow.LogEntry) logBody {
	return logBody{Status: string(l.Status), Message: l.Message, CreatedAt: l.CreatedAt}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// listJobsHandler handles GET /api/v1/jobs?status=&type=a,b&limit=.
func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobflow.ListFilter

	if s := q.Get("status"); s != "" {
		st := jobflow.JobStatus(strings.ToUpper(s))
		switch st {
		case jobflow.JobPending, jobflow.JobProcessing, jobflow.JobCompleted, jobflow.JobFailed:
			f.Status = st
		default:
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
	}
	if s := q.Get("type"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, jobflow.JobType(t))
			}
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	jobs, err := srv.flow.Store().List(r.Context(), f)
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "list jobs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]jobSummaryBody, 0, len(jobs))
	for i := range jobs {
		b := jobSummaryBody{jobBody: toJobBody(&jobs[i].Job), Links: jobs[i].Links}
		if jobs[i].LastLog != nil {
			l := toLogBody(*jobs[i].LastLog)
			b.LastLog = &l
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

// getJobHandler handles GET /api/v1/jobs/{id}.
func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	store := srv.flow.Store()
	job, err := store.Get(r.Context(), id)
	if errors.Is(err, jobflow.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "get job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	logs, err := store.Logs(r.Context(), id)
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "get job logs", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := jobDetailBody{jobBody: toJobBody(job), Logs: make([]logBody, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, toLogBody(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// createJobHandler handles POST /api/v1/jobs. Catalog job types also open a
// catalog record under the given reference.
func (srv *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req createJobBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Priority < 0 || req.MaxAttempts < 0 {
		http.Error(w, "priority and max_attempts must not be negative", http.StatusBadRequest)
		return
	}

	nj := jobflow.NewJob{
		Type:        jobflow.JobType(req.Type),
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		nj.Payload = req.Payload
	}
	if req.File != nil {
		if req.File.Name == "" {
			http.Error(w, "file.name is required", http.StatusBadRequest)
			return
		}
		if len(req.File.Content) == 0 && req.File.BlobRef == "" {
			http.Error(w, "file needs content or blob_ref", http.StatusBadRequest)
			return
		}
		nj.File = &jobflow.File{
			Name:      req.File.Name,
			Content:   req.File.Content,
			BlobRef:   req.File.BlobRef,
			ExpiresAt: req.File.ExpiresAt,
		}
	}

	var (
		job *jobflow.Job
		err error
	)
	if srv.catalog != nil && catalog.IsCatalogType(nj.Type) {
		if req.Reference == "" {
			http.Error(w, "reference is required for catalog jobs", http.StatusBadRequest)
			return
		}
		job, err = srv.catalog.SubmitJob(r.Context(), srv.flow, nj, req.Reference)
	} else {
		job, err = srv.flow.CreateJob(r.Context(), nj)
	}
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "create job", "type", req.Type, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toJobBody(job))
}

// deleteJobHandler handles DELETE /api/v1/jobs/{id}. Only terminal jobs can
// be deleted.
func (srv *Server) deleteJobHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	existed, err := srv.flow.Store().Delete(r.Context(), id)
	switch {
	case errors.Is(err, jobflow.ErrJobActive):
		http.Error(w, "job is still pending or processing", http.StatusConflict)
	case err != nil:
		srv.logger.ErrorContext(r.Context(), "delete job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	case !existed:
		http.Error(w, "job not found", http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type purgeResponse struct {
	Purged int64 `json:"purged"`
}

// purgeJobsHandler handles DELETE /api/v1/jobs. It refuses while any job is
// pending or processing.
func (srv *Server) purgeJobsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := srv.flow.Store().PurgeHistory(r.Context())
	if errors.Is(err, jobflow.ErrJobsActive) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "purge jobs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Purged: n})
}

// statsHandler handles GET /api/v1/jobs/stats.
func (srv *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.flow.Store().Stats(r.Context())
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "job stats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make(map[string]int, len(stats))
	for st, n := range stats {
		out[string(st)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

type sweepResponse struct {
	Requeued []int64 `json:"requeued"`
	Failed   []int64 `json:"failed"`
	Error    string  `json:"error,omitempty"`
}

// sweepHandler handles POST /api/v1/jobs/sweep. Partial results are returned
// with the error when some releases failed.
func (srv *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	res, err := srv.flow.Sweep(r.Context())
	resp := sweepResponse{Requeued: ids(res.Requeued), Failed: ids(res.Failed)}
	status := http.StatusOK
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "sweep", "error", err)
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func ids(jobs []*jobflow.Job) []int64 {
	out := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

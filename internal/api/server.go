// Package api exposes job inspection and administration over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sky93/jobflow"
	"github.com/sky93/jobflow/internal/catalog"
)

// maxBodyBytes bounds request bodies; spreadsheets travel inline as base64.
const maxBodyBytes = 32 << 20

// Server holds the dependencies for the HTTP layer.
type Server struct {
	flow    *jobflow.Flow
	catalog *catalog.Service // nil when catalog jobs are not served
	logger  *slog.Logger
}

// NewServer creates a Server. svc may be nil; catalog job types are then
// enqueued without a catalog record.
func NewServer(flow *jobflow.Flow, svc *catalog.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{flow: flow, catalog: svc, logger: logger}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	// ── Jobs ──────────────────────────────────────────────────────────────────
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", srv.listJobsHandler)
		r.Post("/", srv.createJobHandler)
		r.Delete("/", srv.purgeJobsHandler)
		r.Get("/stats", srv.statsHandler)
		r.Post("/sweep", srv.sweepHandler)
		r.Get("/{id}", srv.getJobHandler)
		r.Delete("/{id}", srv.deleteJobHandler)
	})

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status  string `json:"status"`
	DB      string `json:"db,omitempty"`
	Workers int    `json:"workers"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Workers: len(srv.flow.WorkerStatuses())}
	statusCode := http.StatusOK
	if err := srv.flow.Store().DB().PingContext(r.Context()); err != nil {
		srv.logger.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
		resp.Status = "degraded"
		resp.DB = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

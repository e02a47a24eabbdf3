// Package server is the HTTP boundary: a chi router over the tracker
// service, plus health and metrics endpoints for operators.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/repository"
	"github.com/hfujisawa/foamrun/internal/service"
)

type Server struct {
	svc      *service.Service
	db       *repository.DB
	registry *prometheus.Registry
	logger   *slog.Logger

	submitSchema *jsonschema.Schema
}

// NewServer wires the HTTP layer. registry may be nil, which disables the
// /metrics endpoint.
func NewServer(svc *service.Service, db *repository.DB, registry *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileSubmitSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		svc:          svc,
		db:           db,
		registry:     registry,
		logger:       logger,
		submitSchema: schema,
	}, nil
}

// Routes returns the chi router with all endpoints mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/healthz", s.handleHealthz)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/export", s.handleExportJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/approve", s.handleApproveJob)
		r.Post("/jobs/{id}/reject", s.handleRejectJob)
		r.Get("/renderers", s.handleListRenderers)
		r.Delete("/renderers/{port}", s.handleStopRenderer)
		r.Post("/renderers/cleanup", s.handleCleanupRenderers)
	})
	return r
}

// requestID tags every request with an id for log correlation, honoring one
// supplied by the caller.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(common.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context(), 2*time.Second); err != nil {
		s.logger.Error("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

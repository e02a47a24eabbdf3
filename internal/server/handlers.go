package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
	"github.com/hfujisawa/foamrun/internal/service"
	"github.com/hfujisawa/foamrun/internal/supervisor"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, r, "submit job", common.ValidationErrorf("reading body: %v", err))
		return
	}
	if err := s.validateSubmit(body); err != nil {
		s.respondError(w, r, "submit job", err)
		return
	}

	var req service.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, "submit job", common.ValidationErrorf("decoding body: %v", err))
		return
	}
	job, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.respondError(w, r, "submit job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromURL(r)
	if err != nil {
		s.respondError(w, r, "job status", err)
		return
	}
	res, err := s.svc.Status(r.Context(), id)
	if err != nil {
		s.respondError(w, r, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromURL(r)
	if err != nil {
		s.respondError(w, r, "approve job", err)
		return
	}
	job, err := s.svc.Approve(r.Context(), id)
	if err != nil {
		s.respondError(w, r, "approve job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRejectJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromURL(r)
	if err != nil {
		s.respondError(w, r, "reject job", err)
		return
	}

	// The reason is optional and so is the body itself.
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, "reject job", common.ValidationErrorf("decoding body: %v", err))
		return
	}

	job, err := s.svc.Reject(r.Context(), id, body.Reason)
	if err != nil {
		s.respondError(w, r, "reject job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListRenderers(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	recs, err := s.svc.ListRenderers(r.Context(), all)
	if err != nil {
		s.respondError(w, r, "list renderers", err)
		return
	}
	if recs == nil {
		recs = []*entity.RenderProcess{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStopRenderer(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "port")
	port, err := strconv.Atoi(raw)
	if err != nil {
		s.respondError(w, r, "stop renderer", common.ValidationErrorf("port %q is not a number", raw))
		return
	}
	if err := s.svc.StopRenderer(r.Context(), port); err != nil {
		s.respondError(w, r, "stop renderer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanupRenderers(w http.ResponseWriter, r *http.Request) {
	reaped, err := s.svc.CleanupStale(r.Context())
	if err != nil {
		s.respondError(w, r, "cleanup renderers", err)
		return
	}
	if reaped == nil {
		reaped = []supervisor.Reaped{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reaped": reaped})
}

func (s *Server) handleExportJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ExportRequest{
		Status: constants.JobStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			s.respondError(w, r, "export jobs", common.ValidationErrorf("from must be YYYY-MM-DD"))
			return
		}
		req.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			s.respondError(w, r, "export jobs", common.ValidationErrorf("to must be YYYY-MM-DD"))
			return
		}
		// Inclusive upper bound on the date.
		req.To = t.AddDate(0, 0, 1)
	}

	data, err := s.svc.ExportJobsXLSX(r.Context(), req)
	if err != nil {
		s.respondError(w, r, "export jobs", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func jobIDFromURL(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, common.ValidationErrorf("job id %q is not a UUID", raw)
	}
	return id, nil
}

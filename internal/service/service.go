// Package service is the facade the transport layer talks to: it validates
// submissions, creates jobs, and fans the remaining operations out to the
// executor, supervisor, and repositories.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
	"github.com/hfujisawa/foamrun/internal/export"
	"github.com/hfujisawa/foamrun/internal/repository"
	"github.com/hfujisawa/foamrun/internal/supervisor"
)

// JobQueue is the slice of the executor the facade needs.
type JobQueue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Approve(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Reject(ctx context.Context, id uuid.UUID, reason string) (*entity.Job, error)
}

// RenderSupervisor is the slice of the process supervisor the facade needs.
type RenderSupervisor interface {
	Stop(ctx context.Context, port int) error
	CleanupStale(ctx context.Context) ([]supervisor.Reaped, error)
}

// Service handles job tracking business logic.
type Service struct {
	jobs     repository.JobRepository
	procs    repository.ProcessRepository
	queue    JobQueue
	render   RenderSupervisor
	exporter *export.Service
	host     string
	logger   *slog.Logger
}

// NewService creates a new tracker service. host is the name clients use in
// render connection strings.
func NewService(jobs repository.JobRepository, procs repository.ProcessRepository,
	queue JobQueue, render RenderSupervisor, exporter *export.Service,
	host string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if host == "" {
		host = "localhost"
	}
	return &Service{
		jobs:     jobs,
		procs:    procs,
		queue:    queue,
		render:   render,
		exporter: exporter,
		host:     host,
		logger:   logger,
	}
}

// SubmitRequest represents job submission parameters.
type SubmitRequest struct {
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	CaseDir         string   `json:"case_dir"`
	RequireApproval bool     `json:"require_approval,omitempty"`
}

// RenderInfo describes the render server backing a job's case directory.
type RenderInfo struct {
	Port             int                  `json:"port"`
	PID              int                  `json:"pid"`
	Status           constants.ProcStatus `json:"status"`
	ConnectionString string               `json:"connection_string,omitempty"`
	Reused           bool                 `json:"reused"`
}

// StatusResult combines a job with the render process for its directory,
// when one exists.
type StatusResult struct {
	Job    *entity.Job `json:"job"`
	Render *RenderInfo `json:"render,omitempty"`
}

// Submit validates the request and creates the job. The command itself runs
// later on a worker; submission only fails on validation or storage errors.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*entity.Job, error) {
	req.Command = strings.TrimSpace(req.Command)
	req.CaseDir = strings.TrimSpace(req.CaseDir)

	v := common.NewValidator()
	v.Field("command", req.Command, common.Required, common.MaxLength(255))
	v.Field("case_dir", req.CaseDir, common.Required, common.MaxLength(4096))
	if err := v.Error(); err != nil {
		s.logger.Error("submit rejected", "command", req.Command, "case_dir", req.CaseDir, "error", err)
		return nil, err
	}

	info, err := os.Stat(req.CaseDir)
	if err != nil {
		s.logger.Error("submit rejected: case dir not accessible", "case_dir", req.CaseDir, "error", err)
		return nil, fmt.Errorf("%w: case_dir %q: %v", common.ErrValidation, req.CaseDir, err)
	}
	if !info.IsDir() {
		s.logger.Error("submit rejected: case dir is not a directory", "case_dir", req.CaseDir)
		return nil, fmt.Errorf("%w: case_dir %q is not a directory", common.ErrValidation, req.CaseDir)
	}

	initial := constants.JobPending
	if req.RequireApproval {
		initial = constants.JobWaitingApproval
	}
	job, err := s.jobs.Create(ctx, req.Command, req.Args, req.CaseDir, initial)
	if err != nil {
		return nil, err
	}

	if initial == constants.JobPending {
		// Best effort: the dispatcher's poll picks the job up anyway.
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			s.logger.Warn("failed to nudge executor", "job_id", job.ID, "error", err)
		}
	}

	s.logger.Info("job submitted", "job_id", job.ID, "command", job.Command, "case_dir", job.CaseDir, "status", job.Status)
	return job, nil
}

// Status returns the job plus the render server currently backing its case
// directory. With no live server, the job's own failed spawn record is
// surfaced instead so callers can see why there is nothing to connect to.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (StatusResult, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{Job: job}

	rec, err := s.procs.FindLiveByDir(ctx, job.CaseDir)
	switch {
	case err == nil:
		res.Render = s.renderInfo(rec, job.ID)
	case errors.Is(err, common.ErrProcessNotFound):
		recs, listErr := s.procs.List(ctx, repository.ProcessFilter{
			CaseDir: job.CaseDir,
			Status:  constants.ProcError,
		})
		if listErr != nil {
			s.logger.Warn("failed to look up spawn failures", "job_id", id, "error", listErr)
			break
		}
		for _, r := range recs {
			if r.JobID != nil && *r.JobID == job.ID {
				res.Render = s.renderInfo(r, job.ID)
			}
		}
	default:
		s.logger.Warn("failed to look up render process", "job_id", id, "error", err)
	}
	return res, nil
}

func (s *Service) renderInfo(rec *entity.RenderProcess, jobID uuid.UUID) *RenderInfo {
	info := &RenderInfo{
		Port:   rec.Port,
		PID:    rec.PID,
		Status: rec.Status,
		Reused: rec.JobID == nil || *rec.JobID != jobID,
	}
	// Only a validated server is worth connecting to.
	if rec.Status == constants.ProcRunning {
		info.ConnectionString = rec.ConnectionString(s.host)
	}
	return info
}

// Approve releases a held job for execution.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.queue.Approve(ctx, id)
}

// Reject settles a held job without running it.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*entity.Job, error) {
	return s.queue.Reject(ctx, id, reason)
}

// ListRenderers returns render process records, live ones only unless all
// is set.
func (s *Service) ListRenderers(ctx context.Context, all bool) ([]*entity.RenderProcess, error) {
	f := repository.ProcessFilter{Live: !all}
	return s.procs.List(ctx, f)
}

// StopRenderer terminates the render server on port. Stopping a port with
// nothing on it is not an error.
func (s *Service) StopRenderer(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("%w: port must be positive", common.ErrValidation)
	}
	return s.render.Stop(ctx, port)
}

// CleanupStale reconciles render process records against the host and
// returns what it retired.
func (s *Service) CleanupStale(ctx context.Context) ([]supervisor.Reaped, error) {
	return s.render.CleanupStale(ctx)
}

// ExportRequest narrows a job history export.
type ExportRequest struct {
	Status constants.JobStatus
	From   time.Time
	To     time.Time
}

// ExportJobsXLSX returns the job history matching req as an XLSX workbook.
func (s *Service) ExportJobsXLSX(ctx context.Context, req ExportRequest) ([]byte, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrValidation, req.Status)
	}
	return s.exporter.ExportJobsXLSX(ctx, repository.JobFilter{
		Status:        req.Status,
		CreatedAfter:  req.From,
		CreatedBefore: req.To,
	})
}

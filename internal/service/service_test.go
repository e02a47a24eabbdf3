package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
	"github.com/hfujisawa/foamrun/internal/export"
	"github.com/hfujisawa/foamrun/internal/repository"
	"github.com/hfujisawa/foamrun/internal/supervisor"
)

// fakeQueue applies the same status moves the executor would, minus the
// actual command execution.
type fakeQueue struct {
	jobs repository.JobRepository

	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *fakeQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *fakeQueue) Approve(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return q.jobs.Transition(ctx, id, constants.JobWaitingApproval, constants.JobRunning, "approved", nil)
}

func (q *fakeQueue) Reject(ctx context.Context, id uuid.UUID, reason string) (*entity.Job, error) {
	return q.jobs.Transition(ctx, id, constants.JobWaitingApproval, constants.JobRejected, "rejected: "+reason, nil)
}

func (q *fakeQueue) enqueuedIDs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.enqueued...)
}

type fakeRender struct {
	stopped []int
	reaped  []supervisor.Reaped
	stopErr error
}

func (r *fakeRender) Stop(_ context.Context, port int) error {
	r.stopped = append(r.stopped, port)
	return r.stopErr
}

func (r *fakeRender) CleanupStale(context.Context) ([]supervisor.Reaped, error) {
	return r.reaped, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, repository.JobRepository, repository.ProcessRepository, *fakeQueue, *fakeRender) {
	t.Helper()
	db, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "foamrun.db"),
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	jobs := repository.NewJobRepository(db, testLogger())
	procs := repository.NewProcessRepository(db, testLogger())
	queue := &fakeQueue{jobs: jobs}
	render := &fakeRender{}
	svc := NewService(jobs, procs, queue, render, export.NewService(jobs, testLogger()), "viz.local", testLogger())
	return svc, jobs, procs, queue, render
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	svc, jobs, _, queue, _ := newTestService(t)
	ctx := context.Background()
	caseDir := t.TempDir()

	job, err := svc.Submit(ctx, SubmitRequest{
		Command: "blockMesh",
		Args:    []string{"-case", "."},
		CaseDir: caseDir,
	})
	require.NoError(t, err)
	assert.Equal(t, constants.JobPending, job.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, queue.enqueuedIDs())

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "blockMesh", stored.Command)
	assert.Equal(t, caseDir, stored.CaseDir)
}

func TestSubmitWithApprovalGateHoldsJob(t *testing.T) {
	svc, _, _, queue, _ := newTestService(t)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		Command:         "rm",
		Args:            []string{"-rf", "0.1"},
		CaseDir:         t.TempDir(),
		RequireApproval: true,
	})
	require.NoError(t, err)
	assert.Equal(t, constants.JobWaitingApproval, job.Status)
	assert.Empty(t, queue.enqueuedIDs(), "held jobs must not reach the run queue")
}

func TestSubmitValidationFailures(t *testing.T) {
	svc, jobs, _, _, _ := newTestService(t)
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	file := filepath.Join(t.TempDir(), "controlDict")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty command", SubmitRequest{CaseDir: t.TempDir()}},
		{"blank command", SubmitRequest{Command: "   ", CaseDir: t.TempDir()}},
		{"empty case dir", SubmitRequest{Command: "blockMesh"}},
		{"missing case dir", SubmitRequest{Command: "blockMesh", CaseDir: missing}},
		{"case dir is a file", SubmitRequest{Command: "blockMesh", CaseDir: file}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.req)
			require.ErrorIs(t, err, common.ErrValidation)
		})
	}

	all, err := jobs.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected submissions must not create jobs")
}

func TestStatusIncludesRenderInfo(t *testing.T) {
	svc, jobs, procs, _, _ := newTestService(t)
	ctx := context.Background()
	caseDir := t.TempDir()

	job, err := jobs.Create(ctx, "blockMesh", nil, caseDir, constants.JobPending)
	require.NoError(t, err)

	rec := &entity.RenderProcess{Port: 11111, CaseDir: caseDir, JobID: &job.ID}
	require.NoError(t, procs.Insert(ctx, rec))
	require.NoError(t, procs.MarkRunning(ctx, rec.ID, 4242))

	res, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Render)
	assert.Equal(t, 11111, res.Render.Port)
	assert.Equal(t, 4242, res.Render.PID)
	assert.Equal(t, "cs://viz.local:11111", res.Render.ConnectionString)
	assert.False(t, res.Render.Reused, "server spawned for this job")

	// A later job against the same directory sees the same server as reused.
	other, err := jobs.Create(ctx, "simpleFoam", nil, caseDir, constants.JobPending)
	require.NoError(t, err)
	res, err = svc.Status(ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Render)
	assert.True(t, res.Render.Reused)
}

func TestStatusSurfacesSpawnFailure(t *testing.T) {
	svc, jobs, procs, _, _ := newTestService(t)
	ctx := context.Background()
	caseDir := t.TempDir()

	job, err := jobs.Create(ctx, "blockMesh", nil, caseDir, constants.JobPending)
	require.NoError(t, err)

	rec := &entity.RenderProcess{Port: 11111, CaseDir: caseDir, JobID: &job.ID}
	require.NoError(t, procs.Insert(ctx, rec))
	require.NoError(t, procs.MarkStatus(ctx, rec.ID, constants.ProcStarting, constants.ProcError))

	res, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Render)
	assert.Equal(t, constants.ProcError, res.Render.Status)
	assert.Empty(t, res.Render.ConnectionString, "failed server has nothing to connect to")
}

func TestStatusUnknownJob(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.Status(context.Background(), uuid.New())
	require.ErrorIs(t, err, common.ErrJobNotFound)
}

func TestApproveAndRejectPassThrough(t *testing.T) {
	svc, jobs, _, _, _ := newTestService(t)
	ctx := context.Background()

	held, err := jobs.Create(ctx, "rm", []string{"-rf", "0.1"}, t.TempDir(), constants.JobWaitingApproval)
	require.NoError(t, err)
	approved, err := svc.Approve(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobRunning, approved.Status)

	held2, err := jobs.Create(ctx, "rm", []string{"-rf", "system"}, t.TempDir(), constants.JobWaitingApproval)
	require.NoError(t, err)
	rejected, err := svc.Reject(ctx, held2.ID, "not on my watch")
	require.NoError(t, err)
	assert.Equal(t, constants.JobRejected, rejected.Status)
	assert.Contains(t, rejected.Message, "not on my watch")
}

func TestListRenderersLiveAndAll(t *testing.T) {
	svc, _, procs, _, _ := newTestService(t)
	ctx := context.Background()

	live := &entity.RenderProcess{Port: 11111, CaseDir: "/data/cases/a"}
	require.NoError(t, procs.Insert(ctx, live))
	require.NoError(t, procs.MarkRunning(ctx, live.ID, 100))

	gone := &entity.RenderProcess{Port: 11112, CaseDir: "/data/cases/b"}
	require.NoError(t, procs.Insert(ctx, gone))
	require.NoError(t, procs.MarkStatus(ctx, gone.ID, constants.ProcStarting, constants.ProcStopped))

	got, err := svc.ListRenderers(ctx, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 11111, got[0].Port)

	got, err = svc.ListRenderers(ctx, true)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStopRendererValidatesPort(t *testing.T) {
	svc, _, _, _, render := newTestService(t)
	ctx := context.Background()

	err := svc.StopRenderer(ctx, 0)
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Empty(t, render.stopped)

	require.NoError(t, svc.StopRenderer(ctx, 11111))
	assert.Equal(t, []int{11111}, render.stopped)
}

func TestExportRejectsUnknownStatus(t *testing.T) {
	svc, jobs, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := jobs.Create(ctx, "blockMesh", nil, t.TempDir(), constants.JobPending)
	require.NoError(t, err)

	_, err = svc.ExportJobsXLSX(ctx, ExportRequest{Status: "SOMETIMES"})
	require.ErrorIs(t, err, common.ErrValidation)

	data, err := svc.ExportJobsXLSX(ctx, ExportRequest{Status: constants.JobPending})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestCleanupStalePassesThrough(t *testing.T) {
	svc, _, _, _, render := newTestService(t)
	render.reaped = []supervisor.Reaped{{Port: 11111, PID: 77, CaseDir: "/data/cases/a"}}

	got, err := svc.CleanupStale(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 11111, got[0].Port)
}

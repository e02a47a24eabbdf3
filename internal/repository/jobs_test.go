package repository

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "foamrun.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dsn := filepath.Join(t.TempDir(), "foamrun.db")

	db1, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn}, logger)
	require.NoError(t, err)
	db1.Close()

	// Second open replays goose against an already-migrated schema.
	db2, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn}, logger)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.HealthCheck(context.Background(), time.Second))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}, nil)
	require.Error(t, err)
}

func TestJobCreateAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)
	ctx := context.Background()

	created, err := repo.Create(ctx, "blockMesh", []string{"-case", "."}, "/data/cases/cavity", constants.JobPending)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "blockMesh", got.Command)
	assert.Equal(t, []string{"-case", "."}, got.Args)
	assert.Equal(t, "/data/cases/cavity", got.CaseDir)
	assert.Equal(t, constants.JobPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.Result)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestJobGetNotFound(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)

	_, err := repo.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, common.ErrJobNotFound)
}

func TestJobTransitionLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)
	ctx := context.Background()

	job, err := repo.Create(ctx, "blockMesh", nil, "/data/cases/cavity", constants.JobPending)
	require.NoError(t, err)

	running, err := repo.Transition(ctx, job.ID, constants.JobPending, constants.JobRunning, "picked up", nil)
	require.NoError(t, err)
	assert.Equal(t, constants.JobRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	result := "mesh generated: 12225 cells"
	done, err := repo.Transition(ctx, job.ID, constants.JobRunning, constants.JobCompleted, "ok", &result)
	require.NoError(t, err)
	assert.Equal(t, constants.JobCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)
	require.NotNil(t, done.Result)
	assert.Equal(t, result, *done.Result)
	// started_at must survive the terminal transition.
	require.NotNil(t, done.StartedAt)
	assert.Equal(t, running.StartedAt.UnixMilli(), done.StartedAt.UnixMilli())
}

func TestJobTransitionTerminalIsImmutable(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)
	ctx := context.Background()

	job, err := repo.Create(ctx, "simpleFoam", nil, "/data/cases/pitz", constants.JobPending)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, job.ID, constants.JobPending, constants.JobRunning, "", nil)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, job.ID, constants.JobRunning, constants.JobFailed, "exit 1", nil)
	require.NoError(t, err)

	// Illegal edge: refused before touching the row.
	_, err = repo.Transition(ctx, job.ID, constants.JobFailed, constants.JobRunning, "", nil)
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	// Legal edge but the row is no longer in RUNNING.
	_, err = repo.Transition(ctx, job.ID, constants.JobRunning, constants.JobCompleted, "", nil)
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobFailed, got.Status)
}

func TestJobTransitionApprovalGate(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)
	ctx := context.Background()

	job, err := repo.Create(ctx, "rm", []string{"-rf", "0.1"}, "/data/cases/cavity", constants.JobWaitingApproval)
	require.NoError(t, err)

	rejected, err := repo.Transition(ctx, job.ID, constants.JobWaitingApproval, constants.JobRejected, "operator declined", nil)
	require.NoError(t, err)
	assert.Equal(t, constants.JobRejected, rejected.Status)
	require.NotNil(t, rejected.FinishedAt)

	// A rejected job cannot be approved afterwards.
	_, err = repo.Transition(ctx, job.ID, constants.JobWaitingApproval, constants.JobRunning, "", nil)
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestJobTransitionConcurrentClaimSingleWinner(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)
	ctx := context.Background()

	job, err := repo.Create(ctx, "blockMesh", nil, "/data/cases/race", constants.JobPending)
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, job.ID, constants.JobPending, constants.JobRunning, "claimed", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, common.ErrInvalidTransition)
		losses++
	}
	assert.Equal(t, 1, wins, "exactly one claimer may move PENDING -> RUNNING")
	assert.Equal(t, claimers-1, losses)
}

func TestJobListFilters(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db, nil)
	ctx := context.Background()

	a, err := repo.Create(ctx, "blockMesh", nil, "/data/cases/a", constants.JobPending)
	require.NoError(t, err)
	b, err := repo.Create(ctx, "simpleFoam", nil, "/data/cases/b", constants.JobPending)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, b.ID, constants.JobPending, constants.JobRunning, "", nil)
	require.NoError(t, err)

	pending, err := repo.List(ctx, JobFilter{Status: constants.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	byDir, err := repo.List(ctx, JobFilter{CaseDir: "/data/cases/b"})
	require.NoError(t, err)
	require.Len(t, byDir, 1)
	assert.Equal(t, b.ID, byDir[0].ID)

	all, err := repo.List(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := repo.List(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := repo.List(ctx, JobFilter{CreatedAfter: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

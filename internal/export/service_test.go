package export

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJobRepo(t *testing.T) repository.JobRepository {
	t.Helper()
	db, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "foamrun.db"),
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return repository.NewJobRepository(db, testLogger())
}

func TestExportJobsXLSX(t *testing.T) {
	jobs := testJobRepo(t)
	ctx := context.Background()

	finished, err := jobs.Create(ctx, "blockMesh", []string{"-case", "."}, "/data/cases/cavity", constants.JobPending)
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, finished.ID, constants.JobPending, constants.JobRunning, "", nil)
	require.NoError(t, err)
	result := "mesh ok"
	_, err = jobs.Transition(ctx, finished.ID, constants.JobRunning, constants.JobCompleted,
		"render server on port 11111", &result)
	require.NoError(t, err)

	pending, err := jobs.Create(ctx, "simpleFoam", nil, "/data/cases/cavity", constants.JobPending)
	require.NoError(t, err)

	data, err := NewService(jobs, testLogger()).ExportJobsXLSX(ctx, repository.JobFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Jobs")
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus one row per job")
	assert.Equal(t, []string{
		"Created", "Job ID", "Command", "Case Directory", "Status",
		"Started", "Finished", "Duration", "Message", "Result",
	}, rows[0])

	byID := make(map[string][]string)
	for _, row := range rows[1:] {
		require.Greater(t, len(row), 4)
		byID[row[1]] = row
	}

	got := byID[finished.ID.String()]
	require.NotNil(t, got)
	assert.Equal(t, "blockMesh -case .", got[2])
	assert.Equal(t, "/data/cases/cavity", got[3])
	assert.Equal(t, "COMPLETED", got[4])
	assert.NotEmpty(t, got[5], "started timestamp")
	assert.NotEmpty(t, got[6], "finished timestamp")
	assert.NotEmpty(t, got[7], "duration")
	assert.Contains(t, got[8], "render server on port 11111")
	assert.Equal(t, "mesh ok", got[9])

	require.NotNil(t, byID[pending.ID.String()])
	assert.Equal(t, "PENDING", byID[pending.ID.String()][4])
}

func TestExportJobsXLSXAppliesFilter(t *testing.T) {
	jobs := testJobRepo(t)
	ctx := context.Background()

	_, err := jobs.Create(ctx, "blockMesh", nil, "/data/cases/a", constants.JobPending)
	require.NoError(t, err)
	held, err := jobs.Create(ctx, "rm", []string{"-rf", "0.1"}, "/data/cases/b", constants.JobWaitingApproval)
	require.NoError(t, err)

	data, err := NewService(jobs, testLogger()).ExportJobsXLSX(ctx,
		repository.JobFilter{Status: constants.JobWaitingApproval})
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Jobs")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, held.ID.String(), rows[1][1])
}

func TestExportJobsXLSXEmptyHistory(t *testing.T) {
	jobs := testJobRepo(t)

	data, err := NewService(jobs, testLogger()).ExportJobsXLSX(context.Background(), repository.JobFilter{})
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Jobs")
	require.NoError(t, err)
	require.Len(t, rows, 1, "just the header row")
}

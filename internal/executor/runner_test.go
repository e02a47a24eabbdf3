package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerCapturesBothStreams(t *testing.T) {
	stdout, stderr, err := NewRunner().Run(context.Background(), t.TempDir(),
		"sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))
}

func TestRunnerReportsNonZeroExit(t *testing.T) {
	_, stderr, err := NewRunner().Run(context.Background(), t.TempDir(),
		"sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, string(stderr), "boom")
}

func TestRunnerRunsInCaseDir(t *testing.T) {
	dir := t.TempDir()
	_, _, err := NewRunner().Run(context.Background(), dir,
		"sh", "-c", "echo done > marker.txt")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "marker.txt"))
	require.NoError(t, err, "command should run inside the case dir")
}

func TestRunnerKillsProcessGroupOnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := NewRunner().Run(ctx, t.TempDir(), "sleep", "30")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "watchdog must not wait out the command")
}

func TestTruncateCapsLongOutput(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 10)
	assert.Len(t, got, 10+len("...(truncated)"))
	assert.Equal(t, "short", truncate("short", 10))
}

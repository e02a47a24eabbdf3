package portalloc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfujisawa/foamrun/internal/common"
)

type stubLister struct {
	ports []int
	err   error
}

func (s stubLister) ListLivePorts(context.Context, time.Duration) ([]int, error) {
	return s.ports, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// base for test port ranges, away from the default render range so parallel
// test binaries on one host do not trip over each other.
const testPortBase = 21500

func TestAllocateAscendingAndReserves(t *testing.T) {
	a := New(stubLister{}, testPortBase, testPortBase+10, time.Minute, testLogger())

	p1, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testPortBase, p1)

	// The first port stays reserved until released, so the next call moves on.
	p2, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testPortBase+1, p2)

	a.Release(p1)
	p3, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestAllocateSkipsLiveRecords(t *testing.T) {
	a := New(stubLister{ports: []int{testPortBase + 20, testPortBase + 21}}, testPortBase+20, testPortBase+30, time.Minute, testLogger())

	p, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testPortBase+22, p)
}

func TestAllocateSkipsExternallyBoundPort(t *testing.T) {
	base := testPortBase + 40
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", base))
	if err != nil {
		t.Skipf("cannot bind port %d: %v", base, err)
	}
	defer ln.Close()

	a := New(stubLister{}, base, base+5, time.Minute, testLogger())
	p, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base+1, p)
}

func TestAllocateExhausted(t *testing.T) {
	a := New(stubLister{ports: []int{testPortBase + 50}}, testPortBase+50, testPortBase+50, time.Minute, testLogger())

	_, err := a.Allocate(context.Background())
	require.ErrorIs(t, err, common.ErrResourceExhausted)
}

func TestAllocateRepositoryErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	a := New(stubLister{err: boom}, testPortBase, testPortBase+5, time.Minute, testLogger())

	_, err := a.Allocate(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestReleaseUnknownPortIsNoop(t *testing.T) {
	a := New(stubLister{}, testPortBase+60, testPortBase+65, time.Minute, testLogger())
	a.Release(testPortBase + 60)
	a.Release(99999)
}

func TestAllocateConcurrentUniquePorts(t *testing.T) {
	const n = 5
	a := New(stubLister{}, testPortBase+70, testPortBase+70+n-1, time.Minute, testLogger())

	var wg sync.WaitGroup
	got := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate(context.Background())
			if err == nil {
				got <- p
			}
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[int]bool)
	for p := range got {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
}

// Package portalloc hands out TCP ports for render servers from a fixed
// range, skipping ports that live database records hold and ports some other
// process on the host already bound.
package portalloc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hfujisawa/foamrun/internal/common"
)

// PortLister is the slice of the process repository the allocator needs.
type PortLister interface {
	ListLivePorts(ctx context.Context, staleAfter time.Duration) ([]int, error)
}

type Allocator struct {
	procs      PortLister
	min, max   int
	staleAfter time.Duration
	log        *slog.Logger

	mu       sync.Mutex
	reserved map[int]struct{} // handed out but not yet backed by a live row
}

func New(procs PortLister, min, max int, staleAfter time.Duration, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		procs:      procs,
		min:        min,
		max:        max,
		staleAfter: staleAfter,
		log:        logger,
		reserved:   make(map[int]struct{}),
	}
}

// Allocate scans the range in ascending order and returns the first port
// that is not recorded as in use, not already reserved, and actually
// bindable right now. The caller must Release the port on every path that
// does not end in a live database record.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	live, err := a.procs.ListLivePorts(ctx, a.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("listing live ports: %w", err)
	}
	used := make(map[int]struct{}, len(live))
	for _, p := range live {
		used[p] = struct{}{}
	}

	for port := a.min; port <= a.max; port++ {
		if _, ok := used[port]; ok {
			continue
		}
		if !a.tryReserve(port) {
			continue
		}
		// Probe real bindability; a record-free port can still be taken by
		// an unrelated process on this host.
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			a.Release(port)
			a.log.Debug("port not bindable, skipping", "port", port, "error", err)
			continue
		}
		_ = ln.Close()
		a.log.Info("port allocated", "port", port)
		return port, nil
	}

	a.log.Warn("port range exhausted", "min", a.min, "max", a.max)
	return 0, fmt.Errorf("range %d-%d: %w", a.min, a.max, common.ErrResourceExhausted)
}

// Release returns a reserved port to the pool. Releasing a port that is not
// reserved is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

func (a *Allocator) tryReserve(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reserved[port]; ok {
		return false
	}
	a.reserved[port] = struct{}{}
	return true
}

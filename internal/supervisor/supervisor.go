// Package supervisor owns the lifecycle of render server processes: spawning
// one per case directory, reusing live ones, and reconciling database records
// against what is actually running on the host.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
	"github.com/hfujisawa/foamrun/internal/repository"
)

// PortAllocator is the slice of the port allocator the supervisor needs.
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
	Release(port int)
}

// Options tune process supervision.
type Options struct {
	Binary       string        // render server executable
	ReadyTimeout time.Duration // spawn-to-accepting budget
	StopGrace    time.Duration // SIGTERM-to-SIGKILL window
	StaleAfter   time.Duration // validated_at older than this is untrusted
}

// EnsureResult reports the render server now backing a case directory.
type EnsureResult struct {
	Process *entity.RenderProcess
	Reused  bool
}

// Reaped identifies one record retired by CleanupStale.
type Reaped struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	CaseDir string `json:"case_dir"`
}

type exitEvent struct {
	port int
	pid  int
	err  error
}

type entry struct {
	recID    uuid.UUID
	port     int
	pid      int
	dir      string
	cmd      *exec.Cmd
	stopping bool
}

// Supervisor spawns, reuses, stops and reaps render server processes. The
// database claim row is the source of truth for "which directory has a
// server"; the in-memory registry only tracks children of this daemon so
// their exits can be collected.
type Supervisor struct {
	procs   repository.ProcessRepository
	alloc   PortAllocator
	opts    Options
	log     *slog.Logger
	metrics *Metrics

	probePID   func(pid int, binary string) bool
	probeReady func(ctx context.Context, port int) error
	newCommand func(binary, dir string, port int) *exec.Cmd

	mu      sync.Mutex
	entries map[int]*entry
	closed  bool

	exits  chan exitEvent
	stopCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(procs repository.ProcessRepository, alloc PortAllocator, opts Options, metrics *Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	if opts.Binary == "" {
		opts.Binary = "pvserver"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 15 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}

	s := &Supervisor{
		procs:      procs,
		alloc:      alloc,
		opts:       opts,
		log:        logger,
		metrics:    metrics,
		probePID:   defaultProbePID,
		probeReady: defaultProbeReady,
		newCommand: defaultCommand,
		entries:    make(map[int]*entry),
		exits:      make(chan exitEvent, 64),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

func defaultCommand(binary, dir string, port int) *exec.Cmd {
	cmd := exec.Command(binary, fmt.Sprintf("--server-port=%d", port))
	cmd.Dir = dir
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	// Own process group, so the whole server tree can be signalled and a
	// dying daemon does not take the render servers down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Metrics returns the supervision metrics collector.
func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// LiveCount returns how many child processes this daemon currently tracks.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ensure returns a validated render server for caseDir, spawning one if no
// live record survives validation. Concurrent calls for the same directory
// converge on a single process: the database claim row decides the winner
// and everyone else waits for it and reports Reused.
func (s *Supervisor) Ensure(ctx context.Context, caseDir string, jobID *uuid.UUID) (EnsureResult, error) {
	if s.isClosed() {
		return EnsureResult{}, errors.New("supervisor is shut down")
	}

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.procs.FindLiveByDir(ctx, caseDir)
		switch {
		case err == nil:
			res, ok, err := s.tryReuse(ctx, rec)
			if err != nil {
				return EnsureResult{}, err
			}
			if ok {
				return res, nil
			}
			// Record failed validation and was retired; claim below.
		case errors.Is(err, common.ErrProcessNotFound):
		default:
			return EnsureResult{}, err
		}

		res, err := s.spawn(ctx, caseDir, jobID)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, common.ErrDirClaimed) {
			// Lost the claim race; loop around and reuse the winner.
			continue
		}
		return EnsureResult{}, err
	}
	return EnsureResult{}, fmt.Errorf("dir %s: claim contention: %w", caseDir, common.ErrDirClaimed)
}

func (s *Supervisor) tryReuse(ctx context.Context, rec *entity.RenderProcess) (EnsureResult, bool, error) {
	switch rec.Status {
	case constants.ProcStarting:
		if time.Since(rec.ValidatedAt) < s.opts.StaleAfter {
			// A spawn is in flight (possibly in another daemon); wait for
			// its record to become RUNNING.
			got, err := s.waitForRunning(ctx, rec.CaseDir)
			if err != nil || got == nil {
				return EnsureResult{}, false, err
			}
			s.metrics.RecordReuse()
			s.log.Info("reusing render server", "case_dir", got.CaseDir, "port", got.Port, "pid", got.PID)
			return EnsureResult{Process: got, Reused: true}, true, nil
		}
		// Stale claim: whoever was spawning died before finishing.
		s.retire(rec, "sweep")
		return EnsureResult{}, false, nil

	case constants.ProcRunning:
		if s.probePID(rec.PID, s.opts.Binary) {
			if err := s.procs.Touch(ctx, rec.ID); err != nil {
				s.log.Warn("failed to refresh validated_at", "id", rec.ID, "error", err)
			}
			s.metrics.RecordReuse()
			s.log.Info("reusing render server", "case_dir", rec.CaseDir, "port", rec.Port, "pid", rec.PID)
			return EnsureResult{Process: rec, Reused: true}, true, nil
		}
		// Dead pid, or the pid now belongs to something else entirely.
		s.retire(rec, "invalid")
		return EnsureResult{}, false, nil
	}
	return EnsureResult{}, false, nil
}

// waitForRunning polls the live record for caseDir until it reaches RUNNING,
// the record disappears (nil result: caller should claim), or the readiness
// budget runs out.
func (s *Supervisor) waitForRunning(ctx context.Context, caseDir string) (*entity.RenderProcess, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := s.procs.FindLiveByDir(ctx, caseDir)
		if err != nil {
			if errors.Is(err, common.ErrProcessNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if rec.Status == constants.ProcRunning {
			if s.probePID(rec.PID, s.opts.Binary) {
				return rec, nil
			}
			s.retire(rec, "invalid")
			return nil, nil
		}
		select {
		case <-waitCtx.Done():
			s.log.Warn("gave up waiting for in-flight spawn", "case_dir", caseDir)
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, caseDir string, jobID *uuid.UUID) (EnsureResult, error) {
	port, err := s.alloc.Allocate(ctx)
	if err != nil {
		return EnsureResult{}, err
	}

	rec := &entity.RenderProcess{
		Port:    port,
		CaseDir: caseDir,
		Status:  constants.ProcStarting,
		JobID:   jobID,
	}
	if err := s.procs.Insert(ctx, rec); err != nil {
		s.alloc.Release(port)
		return EnsureResult{}, err
	}

	start := time.Now()
	cmd := s.newCommand(s.opts.Binary, caseDir, port)
	if err := cmd.Start(); err != nil {
		s.fail(rec, "start", err)
		return EnsureResult{}, fmt.Errorf("starting %s: %w", s.opts.Binary, err)
	}
	pid := cmd.Process.Pid

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.killGroup(pid)
		_ = cmd.Wait()
		s.fail(rec, "shutdown", errors.New("supervisor is shut down"))
		return EnsureResult{}, errors.New("supervisor is shut down")
	}
	s.entries[port] = &entry{recID: rec.ID, port: port, pid: pid, dir: caseDir, cmd: cmd}
	s.metrics.SetLiveProcesses(len(s.entries))
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		waitErr := cmd.Wait()
		s.exits <- exitEvent{port: port, pid: pid, err: waitErr}
	}()

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	err = s.probeReady(readyCtx, port)
	cancel()
	if err != nil {
		s.log.Warn("render server never became ready", "port", port, "pid", pid, "error", err)
		s.removeEntry(port, pid)
		s.killGroup(pid)
		s.fail(rec, "readiness", err)
		return EnsureResult{}, fmt.Errorf("render server on port %d: %w", port, err)
	}

	if err := s.procs.MarkRunning(ctx, rec.ID, pid); err != nil {
		s.removeEntry(port, pid)
		s.killGroup(pid)
		s.fail(rec, "persist", err)
		return EnsureResult{}, err
	}
	rec.PID = pid
	rec.Status = constants.ProcRunning

	s.metrics.RecordSpawn(time.Since(start))
	s.log.Info("render server started", "case_dir", caseDir, "port", port, "pid", pid)
	return EnsureResult{Process: rec, Reused: false}, nil
}

// fail marks a claim row ERROR after a spawn went wrong and returns its port
// to the pool. The row may have been moved by a concurrent reap already;
// that is fine.
func (s *Supervisor) fail(rec *entity.RenderProcess, reason string, cause error) {
	s.alloc.Release(rec.Port)
	s.metrics.RecordSpawnFailure(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.procs.MarkStatus(ctx, rec.ID, constants.ProcStarting, constants.ProcError); err != nil &&
		!errors.Is(err, common.ErrInvalidTransition) {
		s.log.Warn("failed to mark spawn ERROR", "id", rec.ID, "error", err)
	}
	s.log.Warn("render spawn failed", "case_dir", rec.CaseDir, "port", rec.Port, "reason", reason, "error", cause)
}

// Stop terminates the render server on port: SIGTERM to its process group, a
// bounded grace wait, then SIGKILL. The record ends STOPPED and the port is
// returned even when the OS process was already gone. Stopping a port with
// nothing live on it is a no-op, so repeated calls are safe.
func (s *Supervisor) Stop(ctx context.Context, port int) error {
	s.mu.Lock()
	e := s.entries[port]
	var pid int
	var recID uuid.UUID
	if e != nil {
		e.stopping = true
		pid = e.pid
		recID = e.recID
	}
	s.mu.Unlock()

	if e == nil {
		rec, err := s.procs.FindLiveByPort(ctx, port)
		if errors.Is(err, common.ErrProcessNotFound) {
			s.log.Debug("nothing to stop", "port", port)
			return nil
		}
		if err != nil {
			return err
		}
		pid = rec.PID
		recID = rec.ID
	}

	// Best-effort STOPPING marker for the duration of the grace window.
	if rec, err := s.procs.Get(ctx, recID); err == nil && rec.Status == constants.ProcRunning {
		if err := s.procs.MarkStatus(ctx, recID, constants.ProcRunning, constants.ProcStopping); err != nil &&
			!errors.Is(err, common.ErrInvalidTransition) {
			s.log.Warn("failed to mark STOPPING", "id", recID, "error", err)
		}
	}

	s.terminate(pid)

	// For our own children the exit waiter may have finished the bookkeeping
	// already; removeEntry tells us whether cleanup is still ours to do.
	cleaned := s.removeEntry(port, pid)
	if e == nil || cleaned {
		s.alloc.Release(port)
		s.persistExit(recID)
		s.metrics.RecordReap("stop")
	}
	s.log.Info("render server stopped", "port", port, "pid", pid)
	return nil
}

// terminate delivers SIGTERM to pid's process group and escalates to SIGKILL
// when the process outlives the grace window. A pid that is already gone is
// not an error.
func (s *Supervisor) terminate(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// No such process group; try the pid directly before giving up.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return
		}
	}

	timeout := time.After(s.opts.StopGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			s.log.Warn("render process did not exit gracefully, force killing", "pid", pid)
			s.killGroup(pid)
			return
		case <-ticker.C:
			if !pidAlive(pid) {
				return
			}
		}
	}
}

func (s *Supervisor) killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func (s *Supervisor) removeEntry(port, pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[port]; ok && e.pid == pid {
		delete(s.entries, port)
		s.metrics.SetLiveProcesses(len(s.entries))
		return true
	}
	return false
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// reapLoop is the single consumer of child exit events. Each wake drains
// everything queued before sleeping again.
func (s *Supervisor) reapLoop() {
	for {
		select {
		case ev := <-s.exits:
			s.handleExit(ev)
			s.drainExits()
		case <-s.stopCh:
			s.drainExits()
			close(s.done)
			return
		}
	}
}

func (s *Supervisor) drainExits() {
	for {
		select {
		case ev := <-s.exits:
			s.handleExit(ev)
		default:
			return
		}
	}
}

func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	e, ok := s.entries[ev.port]
	if !ok || e.pid != ev.pid {
		// Stop, a sweep, or a failed spawn already cleaned this one up.
		s.mu.Unlock()
		return
	}
	delete(s.entries, ev.port)
	stopping := e.stopping
	recID := e.recID
	s.metrics.SetLiveProcesses(len(s.entries))
	s.mu.Unlock()

	s.alloc.Release(ev.port)

	cause := "exit"
	if stopping {
		cause = "stop"
	}
	s.metrics.RecordReap(cause)
	s.log.Info("render process exited", "port", ev.port, "pid", ev.pid, "cause", cause, "wait_error", ev.err)

	s.persistExit(recID)
}

// persistExit settles the database row for a process that no longer runs:
// STARTING rows become ERROR (it died before ever serving), everything else
// live becomes STOPPED.
func (s *Supervisor) persistExit(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.procs.Get(ctx, id)
	if err != nil {
		s.log.Warn("failed to load record for exited process", "id", id, "error", err)
		return
	}
	var to constants.ProcStatus
	switch rec.Status {
	case constants.ProcStarting:
		to = constants.ProcError
	case constants.ProcRunning, constants.ProcStopping:
		to = constants.ProcStopped
	default:
		return // already settled
	}
	if err := s.procs.MarkStatus(ctx, id, rec.Status, to); err != nil &&
		!errors.Is(err, common.ErrInvalidTransition) {
		s.log.Warn("failed to persist exit", "id", id, "error", err)
	}
}

// retire drops any registry entry for rec, returns its port, and moves the
// row to STOPPED. Used for records that failed validation.
func (s *Supervisor) retire(rec *entity.RenderProcess, cause string) {
	s.mu.Lock()
	if e, ok := s.entries[rec.Port]; ok && e.recID == rec.ID {
		delete(s.entries, rec.Port)
		s.metrics.SetLiveProcesses(len(s.entries))
	}
	s.mu.Unlock()
	s.alloc.Release(rec.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.procs.MarkStatus(ctx, rec.ID, rec.Status, constants.ProcStopped); err != nil {
		if !errors.Is(err, common.ErrInvalidTransition) {
			s.log.Warn("failed to retire render record", "id", rec.ID, "error", err)
		}
		return
	}
	s.metrics.RecordReap(cause)
	s.log.Info("retired render record", "id", rec.ID, "port", rec.Port, "pid", rec.PID, "case_dir", rec.CaseDir, "cause", cause)
}

// Close stops accepting work, terminates every tracked child, and drains the
// reap loop. Safe to call once.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ports := make([]int, 0, len(s.entries))
	for port := range s.entries {
		ports = append(ports, port)
	}
	s.mu.Unlock()

	for _, port := range ports {
		if err := s.Stop(ctx, port); err != nil {
			s.log.Warn("failed to stop render server during shutdown", "port", port, "error", err)
		}
	}

	s.wg.Wait()
	close(s.stopCh)
	<-s.done
	s.log.Info("supervisor shut down")
}

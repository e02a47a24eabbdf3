// Package executor runs job commands through a bounded worker pool. Jobs
// arrive either from direct enqueues after submission or from the dispatcher
// polling the repository, and the PENDING -> RUNNING claim in the database
// decides which worker actually runs a job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
	"github.com/hfujisawa/foamrun/internal/repository"
	"github.com/hfujisawa/foamrun/internal/supervisor"
)

// Ensurer is the slice of the render supervisor the executor needs.
type Ensurer interface {
	Ensure(ctx context.Context, caseDir string, jobID *uuid.UUID) (supervisor.EnsureResult, error)
}

// task rides the run queue. claimed means the job is already RUNNING (the
// approval path moves it before queueing); workers claim unclaimed tasks
// themselves.
type task struct {
	id      uuid.UUID
	claimed bool
}

type Pool struct {
	jobs    repository.JobRepository
	runner  Runner
	render  Ensurer
	log     *slog.Logger
	metrics *Metrics

	workers      int
	jobTimeout   time.Duration
	pollInterval time.Duration

	ch   chan task
	wg   sync.WaitGroup
	once sync.Once

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]struct{}
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan task, n)
		}
	}
}
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func New(jobs repository.JobRepository, runner Runner, render Ensurer, metrics *Metrics, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	p := &Pool{
		jobs:         jobs,
		runner:       runner,
		render:       render,
		log:          logger,
		metrics:      metrics,
		workers:      4,
		jobTimeout:   30 * time.Minute,
		pollInterval: 3 * time.Second,
		ch:           make(chan task, 256),
		inflight:     make(map[uuid.UUID]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Metrics returns the execution metrics collector.
func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

// Start launches the workers and the dispatcher. The dispatcher stops when
// ctx is cancelled; the workers stop when Shutdown closes the queue.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.log.Info("worker started", "worker_id", workerID)

				for t := range p.ch {
					p.mu.Lock()
					delete(p.inflight, t.id)
					p.mu.Unlock()
					p.metrics.SetQueueDepth(len(p.ch))
					p.runTask(workerID, t)
				}

				p.log.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
		go p.dispatch(ctx)
	})
}

// dispatch periodically sweeps the repository for PENDING jobs so work
// survives daemon handoffs: jobs submitted while no executor was running get
// picked up on the next tick.
func (p *Pool) dispatch(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("dispatcher stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Pool) poll(ctx context.Context) {
	jobs, err := p.jobs.List(ctx, repository.JobFilter{Status: constants.JobPending, Limit: cap(p.ch)})
	if err != nil {
		p.log.Error("failed to poll for pending jobs", "error", err)
		return
	}
	for _, job := range jobs {
		p.push(task{id: job.ID})
	}
}

// Enqueue hands a freshly created PENDING job to the pool without waiting
// for the next dispatcher tick.
func (p *Pool) Enqueue(_ context.Context, id uuid.UUID) error {
	p.push(task{id: id})
	return nil
}

// Approve releases a WAITING_APPROVAL job: it becomes RUNNING and is queued
// already claimed, so no worker races for it.
func (p *Pool) Approve(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := p.jobs.Transition(ctx, id, constants.JobWaitingApproval, constants.JobRunning, "approved", nil)
	if err != nil {
		return nil, err
	}
	p.log.Info("job approved", "job_id", id)
	p.push(task{id: id, claimed: true})
	return job, nil
}

// Reject settles a WAITING_APPROVAL job as REJECTED. Terminal; the command
// never runs.
func (p *Pool) Reject(ctx context.Context, id uuid.UUID, reason string) (*entity.Job, error) {
	msg := "rejected"
	if reason != "" {
		msg = "rejected: " + reason
	}
	job, err := p.jobs.Transition(ctx, id, constants.JobWaitingApproval, constants.JobRejected, msg, nil)
	if err != nil {
		return nil, err
	}
	p.log.Info("job rejected", "job_id", id, "reason", reason)
	return job, nil
}

func (p *Pool) push(t task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Warn("cannot enqueue: executor is shutting down", "job_id", t.id)
		return
	}
	if _, ok := p.inflight[t.id]; ok {
		return
	}
	p.inflight[t.id] = struct{}{}
	select {
	case p.ch <- t:
		p.log.Info("queued job", "job_id", t.id, "claimed", t.claimed)
	default:
		p.log.Warn("run queue full, applying backpressure", "job_id", t.id)
		p.ch <- t
	}
	p.metrics.SetQueueDepth(len(p.ch))
}

// runTask claims (when needed) and executes one job. Claim losses are normal
// when several paths queued the same job; whoever wins the status CAS runs it.
func (p *Pool) runTask(workerID int, t task) {
	// Execution belongs to the daemon, not to whatever request queued the
	// job, so the budget starts fresh here. The slack on top of the run
	// timeout covers post-run bookkeeping.
	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout+time.Minute)
	defer cancel()

	var job *entity.Job
	var err error
	if t.claimed {
		job, err = p.jobs.Get(ctx, t.id)
		if err != nil {
			p.log.Error("failed to load approved job", "worker_id", workerID, "job_id", t.id, "error", err)
			return
		}
		if job.Status != constants.JobRunning {
			p.log.Warn("approved job no longer runnable", "worker_id", workerID, "job_id", t.id, "status", job.Status)
			return
		}
	} else {
		job, err = p.jobs.Transition(ctx, t.id, constants.JobPending, constants.JobRunning, "", nil)
		if err != nil {
			if errors.Is(err, common.ErrInvalidTransition) {
				p.log.Debug("job claimed elsewhere", "worker_id", workerID, "job_id", t.id)
				return
			}
			p.log.Error("failed to claim job", "worker_id", workerID, "job_id", t.id, "error", err)
			return
		}
	}

	p.metrics.RecordStarted()
	p.log.Info("job started", "worker_id", workerID, "job_id", job.ID, "command", job.Command, "case_dir", job.CaseDir)
	p.execute(ctx, workerID, job)
}

func (p *Pool) execute(ctx context.Context, workerID int, job *entity.Job) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	runCtx = common.WithJobID(runCtx, job.ID.String())
	stdout, stderr, err := p.runner.Run(runCtx, job.CaseDir, job.Command, job.Args...)
	cancel()
	dur := time.Since(start)

	if err != nil {
		reason := "exit"
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
			msg = fmt.Sprintf("timed out after %s", p.jobTimeout)
		} else if len(stderr) > 0 {
			msg = fmt.Sprintf("%v: %s", err, stderr)
		}
		p.finish(job.ID, constants.JobFailed, truncate(msg, 4<<10), nil)
		p.metrics.RecordFailed(reason, dur)
		p.log.Warn("job failed", "worker_id", workerID, "job_id", job.ID, "reason", reason, "duration_ms", dur.Milliseconds())
		return
	}

	// The command succeeded; line up a render server for the results. Render
	// trouble never fails the job, it only shows up in the message.
	var notes []string
	if _, statErr := os.Stat(job.CaseDir); statErr != nil {
		notes = append(notes, fmt.Sprintf("case directory check: %v", statErr))
	} else if res, ensureErr := p.render.Ensure(ctx, job.CaseDir, &job.ID); ensureErr != nil {
		notes = append(notes, fmt.Sprintf("render server unavailable: %v", ensureErr))
	} else if res.Reused {
		notes = append(notes, fmt.Sprintf("render server on port %d (reused)", res.Process.Port))
	} else {
		notes = append(notes, fmt.Sprintf("render server on port %d", res.Process.Port))
	}

	result := truncate(string(stdout), 32<<10)
	p.finish(job.ID, constants.JobCompleted, truncate(strings.Join(notes, "; "), 4<<10), &result)
	p.metrics.RecordCompleted(dur)
	p.log.Info("job completed", "worker_id", workerID, "job_id", job.ID, "duration_ms", dur.Milliseconds())
}

// finish applies a terminal transition on its own budget, so a job whose run
// context expired still gets its status settled.
func (p *Pool) finish(id uuid.UUID, to constants.JobStatus, message string, result *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.jobs.Transition(ctx, id, constants.JobRunning, to, message, result); err != nil {
		p.log.Error("failed to finish job", "job_id", id, "status", to, "error", err)
	}
}

// Shutdown stops intake and waits for in-flight jobs to drain, up to ctx.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.log.Warn("shutdown interrupted by context")
	case <-done:
		p.log.Info("executor drained, shutdown complete")
	}
}

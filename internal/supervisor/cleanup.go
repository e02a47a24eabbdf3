package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/repository"
)

// CleanupStale validates every live record and retires the ones whose process
// cannot be confirmed alive: pid gone, pid reused by some other program, or a
// STARTING claim whose spawner never finished. It is the safety net for exits
// this daemon never observed, including processes started by other daemons
// sharing the repository. Records that pass validation get a fresh
// validated_at instead.
//
// A repository failure aborts the sweep without touching any record; the next
// sweep retries.
func (s *Supervisor) CleanupStale(ctx context.Context) ([]Reaped, error) {
	recs, err := s.procs.List(ctx, repository.ProcessFilter{Live: true})
	if err != nil {
		return nil, fmt.Errorf("listing live render processes: %w", err)
	}

	var reaped []Reaped
	for _, rec := range recs {
		switch rec.Status {
		case constants.ProcStarting:
			// A fresh claim is an in-flight spawn, not a zombie.
			if time.Since(rec.ValidatedAt) < s.opts.StaleAfter {
				continue
			}
		case constants.ProcRunning:
			if s.probePID(rec.PID, s.opts.Binary) {
				if err := s.procs.Touch(ctx, rec.ID); err != nil {
					s.log.Warn("failed to refresh validated_at", "id", rec.ID, "error", err)
				}
				continue
			}
		}
		s.retire(rec, "sweep")
		reaped = append(reaped, Reaped{Port: rec.Port, PID: rec.PID, CaseDir: rec.CaseDir})
	}

	if len(reaped) > 0 {
		s.log.Info("stale render records cleaned", "count", len(reaped))
	}
	return reaped, nil
}

// RunSweeper calls CleanupStale on a fixed interval until ctx is cancelled.
// This is the opportunistic arm of reconciliation; Ensure and the admin
// surface trigger the on-demand one.
func (s *Supervisor) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("reconciliation sweeper started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupStale(ctx); err != nil {
				s.log.Warn("reconciliation sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.log.Info("reconciliation sweeper stopped")
			return
		}
	}
}

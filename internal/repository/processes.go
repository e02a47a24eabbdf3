package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
)

// ProcessFilter narrows List queries. Zero values mean "any".
type ProcessFilter struct {
	Status  constants.ProcStatus
	CaseDir string
	Live    bool
}

type ProcessRepository interface {
	// Insert writes a STARTING claim row for rec's case directory. Exactly
	// one live row may exist per directory; the loser of a racing insert
	// gets ErrDirClaimed.
	Insert(ctx context.Context, rec *entity.RenderProcess) error
	Get(ctx context.Context, id uuid.UUID) (*entity.RenderProcess, error)
	// MarkRunning is the STARTING -> RUNNING move: records the spawned pid
	// and refreshes validated_at.
	MarkRunning(ctx context.Context, id uuid.UUID, pid int) error
	// MarkStatus is the generic guarded status move for everything after
	// RUNNING (stopping, stopped, error).
	MarkStatus(ctx context.Context, id uuid.UUID, from, to constants.ProcStatus) error
	// Touch refreshes validated_at after a successful liveness check.
	Touch(ctx context.Context, id uuid.UUID) error
	FindLiveByDir(ctx context.Context, caseDir string) (*entity.RenderProcess, error)
	FindLiveByPort(ctx context.Context, port int) (*entity.RenderProcess, error)
	List(ctx context.Context, f ProcessFilter) ([]*entity.RenderProcess, error)
	// ListLivePorts returns ports held by live rows whose validated_at is
	// within staleAfter. staleAfter <= 0 skips the freshness filter.
	ListLivePorts(ctx context.Context, staleAfter time.Duration) ([]int, error)
}

type processRepo struct {
	db  *DB
	log *slog.Logger
}

func NewProcessRepository(db *DB, log *slog.Logger) ProcessRepository {
	if log == nil {
		log = slog.Default()
	}
	return &processRepo{db: db, log: log}
}

const processColumns = "id, port, pid, case_dir, status, job_id, validated_at, created_at, updated_at"

func (r *processRepo) Insert(ctx context.Context, rec *entity.RenderProcess) error {
	if rec.CaseDir == "" {
		return fmt.Errorf("%w: case_dir is required", common.ErrValidation)
	}
	if rec.Port <= 0 {
		return fmt.Errorf("%w: port must be positive", common.ErrValidation)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = constants.ProcStarting
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ValidatedAt.IsZero() {
		rec.ValidatedAt = now
	}
	rec.UpdatedAt = now

	var jobID interface{}
	if rec.JobID != nil {
		jobID = rec.JobID.String()
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO render_processes (id, port, pid, case_dir, status, job_id, validated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID.String(), rec.Port, rec.PID, rec.CaseDir, string(rec.Status), jobID,
		toMillis(rec.ValidatedAt), toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if err != nil {
		// The partial unique index rejects a second live row per directory.
		// Re-querying instead of sniffing driver error codes keeps this
		// portable across both engines.
		if live, findErr := r.FindLiveByDir(ctx, rec.CaseDir); findErr == nil && live.ID != rec.ID {
			r.log.Info("case dir already claimed", "case_dir", rec.CaseDir, "holder_port", live.Port)
			return fmt.Errorf("dir %s held by port %d: %w", rec.CaseDir, live.Port, common.ErrDirClaimed)
		}
		r.log.Error("render process insert failed", "case_dir", rec.CaseDir, "port", rec.Port, "err", err)
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	r.log.Info("render process claimed", "id", rec.ID, "case_dir", rec.CaseDir, "port", rec.Port)
	return nil
}

func (r *processRepo) Get(ctx context.Context, id uuid.UUID) (*entity.RenderProcess, error) {
	row := r.db.conn.QueryRowContext(ctx,
		"SELECT "+processColumns+" FROM render_processes WHERE id = $1", id.String())
	rec, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("render process %s: %w", id, common.ErrProcessNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return rec, nil
}

func (r *processRepo) MarkRunning(ctx context.Context, id uuid.UUID, pid int) error {
	now := toMillis(time.Now().UTC())
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE render_processes SET status = $1, pid = $2, validated_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(constants.ProcRunning), pid, now, now, id.String(), string(constants.ProcStarting))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return r.checkMoved(ctx, res, id, constants.ProcStarting, constants.ProcRunning)
}

func (r *processRepo) MarkStatus(ctx context.Context, id uuid.UUID, from, to constants.ProcStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("render process %s: %s -> %s: %w", id, from, to, common.ErrInvalidTransition)
	}
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE render_processes SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), toMillis(time.Now().UTC()), id.String(), string(from))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return r.checkMoved(ctx, res, id, from, to)
}

func (r *processRepo) checkMoved(ctx context.Context, res sql.Result, id uuid.UUID, from, to constants.ProcStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	if affected == 0 {
		cur, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("render process %s is %s, not %s: %w", id, cur.Status, from, common.ErrInvalidTransition)
	}
	r.log.Info("render process transitioned", "id", id, "from", from, "to", to)
	return nil
}

func (r *processRepo) Touch(ctx context.Context, id uuid.UUID) error {
	now := toMillis(time.Now().UTC())
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE render_processes SET validated_at = $1, updated_at = $2 WHERE id = $3`,
		now, now, id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("render process %s: %w", id, common.ErrProcessNotFound)
	}
	return nil
}

func (r *processRepo) FindLiveByDir(ctx context.Context, caseDir string) (*entity.RenderProcess, error) {
	row := r.db.conn.QueryRowContext(ctx,
		"SELECT "+processColumns+" FROM render_processes WHERE case_dir = $1 AND status IN ('STARTING', 'RUNNING')",
		caseDir)
	rec, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no live render process for %s: %w", caseDir, common.ErrProcessNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return rec, nil
}

func (r *processRepo) FindLiveByPort(ctx context.Context, port int) (*entity.RenderProcess, error) {
	row := r.db.conn.QueryRowContext(ctx,
		"SELECT "+processColumns+" FROM render_processes WHERE port = $1 AND status IN ('STARTING', 'RUNNING') ORDER BY created_at DESC LIMIT 1",
		port)
	rec, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no live render process on port %d: %w", port, common.ErrProcessNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return rec, nil
}

func (r *processRepo) List(ctx context.Context, f ProcessFilter) ([]*entity.RenderProcess, error) {
	query := "SELECT " + processColumns + " FROM render_processes WHERE 1=1"
	var args []interface{}
	n := 1
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(f.Status))
		n++
	}
	if f.CaseDir != "" {
		query += fmt.Sprintf(" AND case_dir = $%d", n)
		args = append(args, f.CaseDir)
		n++
	}
	if f.Live {
		query += " AND status IN ('STARTING', 'RUNNING')"
	}
	query += " ORDER BY port ASC, created_at ASC"

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var recs []*entity.RenderProcess
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return recs, nil
}

func (r *processRepo) ListLivePorts(ctx context.Context, staleAfter time.Duration) ([]int, error) {
	query := "SELECT port FROM render_processes WHERE status IN ('STARTING', 'RUNNING')"
	var args []interface{}
	if staleAfter > 0 {
		query += " AND validated_at >= $1"
		args = append(args, toMillis(time.Now().UTC().Add(-staleAfter)))
	}
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
		}
		ports = append(ports, port)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return ports, nil
}

func scanProcess(s rowScanner) (*entity.RenderProcess, error) {
	var (
		p           entity.RenderProcess
		idStr       string
		status      string
		jobID       sql.NullString
		validatedAt int64
		createdAt   int64
		updatedAt   int64
	)
	if err := s.Scan(&idStr, &p.Port, &p.PID, &p.CaseDir, &status, &jobID,
		&validatedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("bad render process id %q: %w", idStr, err)
	}
	p.ID = id
	p.Status = constants.ProcStatus(status)
	if jobID.Valid {
		jid, err := uuid.Parse(jobID.String)
		if err != nil {
			return nil, fmt.Errorf("bad job id %q on render process %s: %w", jobID.String, idStr, err)
		}
		p.JobID = &jid
	}
	p.ValidatedAt = fromMillis(validatedAt)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/entity"
)

// JobFilter narrows List and export queries. Zero values mean "any".
type JobFilter struct {
	Status        constants.JobStatus
	CaseDir       string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

type JobRepository interface {
	Create(ctx context.Context, command string, args []string, caseDir string, initial constants.JobStatus) (*entity.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context, f JobFilter) ([]*entity.Job, error)
	// Transition moves id from -> to with a single guarded UPDATE. It fails
	// with ErrInvalidTransition when the row is not currently in from, or
	// when from -> to is not in the transition table (terminal statuses
	// included). result, when non-nil, replaces the stored result text.
	Transition(ctx context.Context, id uuid.UUID, from, to constants.JobStatus, message string, result *string) (*entity.Job, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

const jobColumns = "id, command, args, case_dir, status, message, result, created_at, started_at, finished_at, updated_at"

func (r *jobRepo) Create(ctx context.Context, command string, args []string, caseDir string, initial constants.JobStatus) (*entity.Job, error) {
	if !initial.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrValidation, initial)
	}
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}

	now := time.Now().UTC()
	job := &entity.Job{
		ID:        uuid.New(),
		Command:   command,
		Args:      args,
		CaseDir:   caseDir,
		Status:    initial,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, command, args, case_dir, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID.String(), command, string(argsJSON), caseDir, string(initial), "", toMillis(now), toMillis(now))
	if err != nil {
		r.log.Error("job create failed", "case_dir", caseDir, "err", err)
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	r.log.Info("job created", "job_id", job.ID, "command", command, "case_dir", caseDir, "status", initial)
	return job, nil
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := r.db.conn.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = $1", id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, common.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return job, nil
}

func (r *jobRepo) List(ctx context.Context, f JobFilter) ([]*entity.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
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
	if !f.CreatedAfter.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, toMillis(f.CreatedAfter))
		n++
	}
	if !f.CreatedBefore.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", n)
		args = append(args, toMillis(f.CreatedBefore))
		n++
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return jobs, nil
}

func (r *jobRepo) Transition(ctx context.Context, id uuid.UUID, from, to constants.JobStatus, message string, result *string) (*entity.Job, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", id, from, to, common.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	set := []string{"status = $1", "message = $2", "updated_at = $3"}
	args := []interface{}{string(to), message, toMillis(now)}
	n := 4
	if to == constants.JobRunning {
		set = append(set, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", n))
		args = append(args, toMillis(now))
		n++
	}
	if to.IsTerminal() {
		set = append(set, fmt.Sprintf("finished_at = $%d", n))
		args = append(args, toMillis(now))
		n++
	}
	if result != nil {
		set = append(set, fmt.Sprintf("result = $%d", n))
		args = append(args, *result)
		n++
	}
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d AND status = $%d", strings.Join(set, ", "), n, n+1)
	args = append(args, id.String(), string(from))

	res, err := r.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("job transition failed", "job_id", id, "from", from, "to", to, "err", err)
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	if affected == 0 {
		// Row was not in the expected status: either it does not exist or
		// another writer moved it first.
		cur, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("job %s is %s, not %s: %w", id, cur.Status, from, common.ErrInvalidTransition)
	}

	r.log.Info("job transitioned", "job_id", id, "from", from, "to", to)
	return r.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s rowScanner) (*entity.Job, error) {
	var (
		j          entity.Job
		idStr      string
		argsJSON   string
		status     string
		result     sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		updatedAt  int64
	)
	if err := s.Scan(&idStr, &j.Command, &argsJSON, &j.CaseDir, &status, &j.Message,
		&result, &createdAt, &startedAt, &finishedAt, &updatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("bad job id %q: %w", idStr, err)
	}
	j.ID = id
	j.Status = constants.JobStatus(status)
	if err := json.Unmarshal([]byte(argsJSON), &j.Args); err != nil {
		return nil, fmt.Errorf("bad args for job %s: %w", idStr, err)
	}
	if result.Valid {
		j.Result = &result.String
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		j.FinishedAt = &t
	}
	return &j, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

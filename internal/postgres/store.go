package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/flowgate/internal/breaker"
	"github.com/ramiqadoumi/flowgate/internal/domain"
)

// Store abstracts all database access for the durable mirror. The
// in-memory queue stays authoritative at runtime; these tables are the
// audit trail and the basis for post-restart inspection.
type Store interface {
	SaveJob(ctx context.Context, job *domain.Job) error
	RecordTransition(ctx context.Context, tr *domain.Transition) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error)
	ListTransitions(ctx context.Context, jobID string) ([]*domain.Transition, error)
	SaveBreakerSnapshot(ctx context.Context, snap breaker.Snapshot) error
	RecordRateLimitBreach(ctx context.Context, key, config string, limit int, resetAt time.Time) error
}

type store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgxpool with the Store interface.
func NewStore(pool *pgxpool.Pool) Store {
	return &store{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *store) SaveJob(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, type, payload, priority, status, retries, max_retries,
			 created_at, updated_at, executed_at, completed_at, error, result)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retries = EXCLUDED.retries,
			updated_at = EXCLUDED.updated_at,
			executed_at = EXCLUDED.executed_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			result = EXCLUDED.result
	`,
		job.ID, job.Type, job.Payload, job.Priority, string(job.Status),
		job.Retries, job.MaxRetries, job.CreatedAt, job.UpdatedAt,
		job.ExecutedAt, job.CompletedAt, job.Error, job.Result,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *store) RecordTransition(ctx context.Context, tr *domain.Transition) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_transitions
			(id, job_id, worker_id, from_status, to_status, attempt, duration_ms, error, at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		tr.ID, tr.JobID, tr.WorkerID, string(tr.From), string(tr.To),
		tr.Attempt, tr.DurationMs, tr.Error, tr.At,
	)
	if err != nil {
		return fmt.Errorf("record transition for job %s: %w", tr.JobID, err)
	}
	return nil
}

func (s *store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, priority, status, retries, max_retries,
		       created_at, updated_at, executed_at, completed_at, error, result
		FROM jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, err
	}
	return job, nil
}

func (s *store) ListJobsByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, payload, priority, status, retries, max_retries,
		       created_at, updated_at, executed_at, completed_at, error, result
		FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *store) ListTransitions(ctx context.Context, jobID string) ([]*domain.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, worker_id, from_status, to_status, attempt, duration_ms, error, at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var trs []*domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var from, to string
		if err := rows.Scan(
			&tr.ID, &tr.JobID, &tr.WorkerID, &from, &to,
			&tr.Attempt, &tr.DurationMs, &tr.Error, &tr.At,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To = domain.Status(from), domain.Status(to)
		trs = append(trs, &tr)
	}
	return trs, rows.Err()
}

func (s *store) SaveBreakerSnapshot(ctx context.Context, snap breaker.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO breaker_snapshots
			(name, state, failure_count, open_cycles, last_failure_at, taken_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
	`,
		snap.Name, string(snap.State), snap.FailureCount,
		snap.OpenCycles, nullableTime(snap.LastFailureTime), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save breaker snapshot %s: %w", snap.Name, err)
	}
	return nil
}

func (s *store) RecordRateLimitBreach(ctx context.Context, key, config string, limit int, resetAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ratelimit_breaches (id, key, config, ceiling, reset_at, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New().String(), key, config, limit, resetAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record rate limit breach for %s: %w", key, err)
	}
	return nil
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var job domain.Job
	var statusStr string
	err := row.Scan(
		&job.ID, &job.Type, &job.Payload, &job.Priority, &statusStr,
		&job.Retries, &job.MaxRetries, &job.CreatedAt, &job.UpdatedAt,
		&job.ExecutedAt, &job.CompletedAt, &job.Error, &job.Result,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.Status(statusStr)
	return &job, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"workflow-gateway/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgJobColumns = `id, prompt, mode, status, progress_percentage, current_phase, current_workflow, config,
	workflow_result, error_message, observability, worker_id, created_at, started_at, finished_at`

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if err := p.validate(); err != nil {
		return models.Job{}, err
	}
	current, err := marshalNullable(p.CurrentWorkflow)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal current_workflow: %w", err)
	}
	cfgJSON, err := json.Marshal(p.Config)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal config: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_jobs (id, prompt, mode, status, progress_percentage, current_workflow, config, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, id, p.Prompt, p.Mode, models.StatusPending, current, cfgJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:              id,
		Prompt:          p.Prompt,
		Mode:            p.Mode,
		Status:          models.StatusPending,
		ProgressLogs:    []models.ProgressEntry{},
		CurrentWorkflow: p.CurrentWorkflow,
		Config:          p.Config,
		CreatedAt:       now,
	}, nil
}

// GetJob fetches a job and its progress log by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanPGJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM workflow_jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, ts, message, progress, phase
		FROM job_progress_logs WHERE job_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return models.Job{}, fmt.Errorf("query progress logs: %w", err)
	}
	defer rows.Close()
	job.ProgressLogs = []models.ProgressEntry{}
	for rows.Next() {
		var e models.ProgressEntry
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Message, &e.Progress, &e.Phase); err != nil {
			return models.Job{}, fmt.Errorf("scan progress log: %w", err)
		}
		job.ProgressLogs = append(job.ProgressLogs, e)
	}
	if err := rows.Err(); err != nil {
		return models.Job{}, fmt.Errorf("iterate progress logs: %w", err)
	}
	return job, nil
}

// Claim moves the job from pending to processing for workerID.
func (s *Store) Claim(ctx context.Context, id, workerID string) (models.Job, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_jobs
		SET status = $2, worker_id = $3, started_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusProcessing, workerID, models.StatusPending)
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, s.missOrConflict(ctx, id)
	}
	return s.GetJob(ctx, id)
}

// ClaimNext claims the oldest pending job, skipping rows locked by other claimers.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		UPDATE workflow_jobs
		SET status = $1, worker_id = $2, started_at = NOW()
		WHERE id = (
			SELECT id FROM workflow_jobs
			WHERE status = $3
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, models.StatusProcessing, workerID, models.StatusPending).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// AppendProgress bumps the job's log sequence and inserts the entry in one transaction.
// The row lock taken by the UPDATE serializes concurrent appenders.
func (s *Store) AppendProgress(ctx context.Context, id string, u ProgressUpdate) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var seq int64
	err = tx.QueryRow(ctx, `
		UPDATE workflow_jobs
		SET log_seq = log_seq + 1,
		    progress_percentage = GREATEST(progress_percentage, $2),
		    current_phase = $3
		WHERE id = $1 AND status = $4
		RETURNING log_seq
	`, id, u.Progress, u.Phase, models.StatusProcessing).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missOrConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("bump progress: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_progress_logs (job_id, seq, ts, message, progress, phase)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, seq, time.Now().UTC(), u.Message, u.Progress, u.Phase); err != nil {
		return fmt.Errorf("insert progress log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Complete stores the result of a processing job and marks it completed.
func (s *Store) Complete(ctx context.Context, id string, result models.WorkflowGraph, obs models.Observability) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal workflow_result: %w", err)
	}
	obsJSON, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observability: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_jobs
		SET status = $2, progress_percentage = 100, workflow_result = $3, observability = $4,
		    error_message = NULL, finished_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusCompleted, resultJSON, obsJSON, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Fail records message on a processing job and marks it failed.
func (s *Store) Fail(ctx context.Context, id, message string, obs *models.Observability) error {
	obsJSON, err := marshalNullable(obs)
	if err != nil {
		return fmt.Errorf("marshal observability: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_jobs
		SET status = $2, error_message = $3, observability = COALESCE($4, observability), finished_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, failureMessage(message), obsJSON, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Cancel marks a pending or processing job cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (models.Job, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_jobs
		SET status = $2, finished_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, s.missOrConflict(ctx, id)
	}
	return s.GetJob(ctx, id)
}

func (s *Store) missOrConflict(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM workflow_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query job status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, status)
}

func scanPGJob(row pgx.Row) (models.Job, error) {
	var (
		job                models.Job
		raw                jobJSON
		phase, errMsg, wid pgtype.Text
		started, finished  pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Prompt, &job.Mode, &job.Status, &job.ProgressPercentage, &phase,
		&raw.currentWorkflow, &raw.config, &raw.result, &errMsg, &raw.observability, &wid,
		&job.CreatedAt, &started, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := raw.decodeInto(&job); err != nil {
		return models.Job{}, err
	}
	job.CurrentPhase = textPtr(phase)
	job.ErrorMessage = textPtr(errMsg)
	job.WorkerID = textPtr(wid)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

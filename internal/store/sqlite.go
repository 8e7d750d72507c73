package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"workflow-gateway/internal/models"
)

// SQLiteStore persists jobs to a single SQLite file.
// It is meant for development, tests and the single-process CLI.
type SQLiteStore struct {
	db *sql.DB
}

var _ JobStore = (*SQLiteStore)(nil)

// NewSQLite opens path (or ":memory:") and applies the embedded migrations.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: serializes writers and keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	err = applyMigrations(context.Background(), "sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteJobColumns = `id, prompt, mode, status, progress_percentage, current_phase, current_workflow, config,
	workflow_result, error_message, observability, worker_id, created_at, started_at, finished_at`

// CreateJob inserts a pending job.
func (s *SQLiteStore) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_jobs (id, prompt, mode, status, progress_percentage, current_workflow, config, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, id, p.Prompt, p.Mode, models.StatusPending, nullableText(current), string(cfgJSON), now.UnixNano())
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
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM workflow_jobs WHERE id = ?`, id))
	if err != nil {
		return models.Job{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, message, progress, phase
		FROM job_progress_logs WHERE job_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return models.Job{}, fmt.Errorf("query progress logs: %w", err)
	}
	defer rows.Close()
	job.ProgressLogs = []models.ProgressEntry{}
	for rows.Next() {
		var e models.ProgressEntry
		var ts int64
		if err := rows.Scan(&e.Seq, &ts, &e.Message, &e.Progress, &e.Phase); err != nil {
			return models.Job{}, fmt.Errorf("scan progress log: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		job.ProgressLogs = append(job.ProgressLogs, e)
	}
	if err := rows.Err(); err != nil {
		return models.Job{}, fmt.Errorf("iterate progress logs: %w", err)
	}
	return job, nil
}

// Claim moves the job from pending to processing for workerID.
func (s *SQLiteStore) Claim(ctx context.Context, id, workerID string) (models.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = ?, worker_id = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusProcessing, workerID, time.Now().UTC().UnixNano(), id, models.StatusPending)
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Job{}, s.missOrConflict(ctx, id)
	}
	return s.GetJob(ctx, id)
}

// ClaimNext claims the oldest pending job.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE workflow_jobs
		SET status = ?, worker_id = ?, started_at = ?
		WHERE id = (
			SELECT id FROM workflow_jobs
			WHERE status = ?
			ORDER BY created_at, rowid
			LIMIT 1
		) AND status = ?
		RETURNING id
	`, models.StatusProcessing, workerID, time.Now().UTC().UnixNano(), models.StatusPending, models.StatusPending).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLiteStore) AppendProgress(ctx context.Context, id string, u ProgressUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE workflow_jobs
		SET log_seq = log_seq + 1,
		    progress_percentage = MAX(progress_percentage, ?),
		    current_phase = ?
		WHERE id = ? AND status = ?
		RETURNING log_seq
	`, u.Progress, u.Phase, id, models.StatusProcessing).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return s.missOrConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("bump progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_progress_logs (job_id, seq, ts, message, progress, phase)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, seq, time.Now().UTC().UnixNano(), u.Message, u.Progress, u.Phase); err != nil {
		return fmt.Errorf("insert progress log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Complete stores the result of a processing job and marks it completed.
func (s *SQLiteStore) Complete(ctx context.Context, id string, result models.WorkflowGraph, obs models.Observability) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal workflow_result: %w", err)
	}
	obsJSON, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observability: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = ?, progress_percentage = 100, workflow_result = ?, observability = ?,
		    error_message = NULL, finished_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusCompleted, string(resultJSON), string(obsJSON), time.Now().UTC().UnixNano(), id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Fail records message on a processing job and marks it failed.
func (s *SQLiteStore) Fail(ctx context.Context, id, message string, obs *models.Observability) error {
	obsJSON, err := marshalNullable(obs)
	if err != nil {
		return fmt.Errorf("marshal observability: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = ?, error_message = ?, observability = COALESCE(?, observability), finished_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusFailed, failureMessage(message), nullableText(obsJSON), time.Now().UTC().UnixNano(), id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Cancel marks a pending or processing job cancelled.
func (s *SQLiteStore) Cancel(ctx context.Context, id string) (models.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.StatusCancelled, time.Now().UTC().UnixNano(), id, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Job{}, s.missOrConflict(ctx, id)
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query job status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, status)
}

func scanSQLiteJob(row *sql.Row) (models.Job, error) {
	var (
		job                           models.Job
		phase, errMsg, wid            sql.NullString
		current, cfgJSON, result, obs sql.NullString
		created                       int64
		started, finished             sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Prompt, &job.Mode, &job.Status, &job.ProgressPercentage, &phase,
		&current, &cfgJSON, &result, &errMsg, &obs, &wid, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	raw := jobJSON{
		currentWorkflow: []byte(current.String),
		config:          []byte(cfgJSON.String),
		result:          []byte(result.String),
		observability:   []byte(obs.String),
	}
	if err := raw.decodeInto(&job); err != nil {
		return models.Job{}, err
	}
	job.CreatedAt = time.Unix(0, created).UTC()
	job.CurrentPhase = nullString(phase)
	job.ErrorMessage = nullString(errMsg)
	job.WorkerID = nullString(wid)
	job.StartedAt = nullTime(started)
	job.FinishedAt = nullTime(finished)
	return job, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullString(s sql.NullString) *string {
	if s.Valid {
		return &s.String
	}
	return nil
}

func nullTime(n sql.NullInt64) *time.Time {
	if n.Valid {
		t := time.Unix(0, n.Int64).UTC()
		return &t
	}
	return nil
}

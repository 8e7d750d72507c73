package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a conditional transition finds the job in another state.
	ErrConflict = errors.New("job not in expected state")
	// ErrInvalid is returned when create parameters fail validation.
	ErrInvalid = errors.New("invalid job")
)

// JobStore persists workflow jobs. Every state transition is conditional on
// the prior status, so two callers can never both move a job out of pending.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// Claim moves a specific pending job to processing.
	Claim(ctx context.Context, id, workerID string) (models.Job, error)
	// ClaimNext claims the oldest pending job. ok is false when there is none.
	ClaimNext(ctx context.Context, workerID string) (job models.Job, ok bool, err error)
	// AppendProgress adds a sequenced log row and raises progress, in one transaction.
	AppendProgress(ctx context.Context, id string, u ProgressUpdate) error
	Complete(ctx context.Context, id string, result models.WorkflowGraph, obs models.Observability) error
	Fail(ctx context.Context, id, message string, obs *models.Observability) error
	Cancel(ctx context.Context, id string) (models.Job, error)
	Ping(ctx context.Context) error
	Close()
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Prompt          string
	Mode            string
	CurrentWorkflow *models.WorkflowGraph
	Config          map[string]any
}

// ProgressUpdate is one phase-transition report from the pipeline.
type ProgressUpdate struct {
	Phase    string
	Message  string
	Progress int
}

// Open builds the store selected by cfg.StoreDriver and applies migrations.
func Open(ctx context.Context, cfg config.Config) (JobStore, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "sqlite":
		st, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (p *CreateJobParams) validate() error {
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	if p.Mode == "" {
		p.Mode = models.ModeCreate
	}
	if !models.ValidMode(p.Mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, p.Mode)
	}
	if p.Mode == models.ModeModify && p.CurrentWorkflow == nil {
		return fmt.Errorf("%w: modify mode requires current_workflow", ErrInvalid)
	}
	if p.Config == nil {
		p.Config = map[string]any{}
	}
	return nil
}

func failureMessage(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return "job failed without an error message"
	}
	return msg
}

// marshalNullable encodes v as JSON, or returns nil for a nil pointer so the column stays NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// jobJSON holds the JSON-encoded columns of a job row.
type jobJSON struct {
	currentWorkflow []byte
	config          []byte
	result          []byte
	observability   []byte
}

func (j jobJSON) decodeInto(job *models.Job) error {
	if len(j.currentWorkflow) > 0 {
		job.CurrentWorkflow = &models.WorkflowGraph{}
		if err := json.Unmarshal(j.currentWorkflow, job.CurrentWorkflow); err != nil {
			return fmt.Errorf("unmarshal current_workflow: %w", err)
		}
	}
	if len(j.config) > 0 {
		if err := json.Unmarshal(j.config, &job.Config); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if len(j.result) > 0 {
		job.WorkflowResult = &models.WorkflowGraph{}
		if err := json.Unmarshal(j.result, job.WorkflowResult); err != nil {
			return fmt.Errorf("unmarshal workflow_result: %w", err)
		}
	}
	if len(j.observability) > 0 {
		job.Observability = &models.Observability{}
		if err := json.Unmarshal(j.observability, job.Observability); err != nil {
			return fmt.Errorf("unmarshal observability: %w", err)
		}
	}
	return nil
}

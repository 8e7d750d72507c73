package models

import (
	"time"
)

// Job lifecycle states persisted in the job store.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Phases inside the processing state.
const (
	PhaseAnalyze    = "analyze"
	PhaseGeneration = "generation"
	PhaseValidation = "validation"
)

// Generation modes accepted from requesters.
const (
	ModeCreate = "create"
	ModeModify = "modify"
)

// IsTerminal reports whether a status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidMode reports whether mode is one the pipeline understands.
func ValidMode(mode string) bool {
	return mode == ModeCreate || mode == ModeModify
}

// Job is one workflow-generation request and its lifecycle.
type Job struct {
	ID                 string          `json:"id"`
	Prompt             string          `json:"prompt"`
	Mode               string          `json:"mode"`
	Status             string          `json:"status"`
	ProgressPercentage int             `json:"progress_percentage"`
	CurrentPhase       *string         `json:"current_phase,omitempty"`
	ProgressLogs       []ProgressEntry `json:"progress_logs"`
	CurrentWorkflow    *WorkflowGraph  `json:"current_workflow,omitempty"`
	Config             map[string]any  `json:"config,omitempty"`
	WorkflowResult     *WorkflowGraph  `json:"workflow_result,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	Observability      *Observability  `json:"observability,omitempty"`
	WorkerID           *string         `json:"worker_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
}

// DurationMs returns the processing duration for finished jobs.
func (j Job) DurationMs() *int64 {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return nil
	}
	d := j.FinishedAt.Sub(*j.StartedAt).Milliseconds()
	return &d
}

// ProgressEntry is one row of a job's append-only progress log.
type ProgressEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Progress  int       `json:"progress"`
	Phase     string    `json:"phase"`
}

// Observability carries phase timings and token estimates for a job run.
type Observability struct {
	ModelLoadTimeMs int64  `json:"model_load_time_ms"`
	InferenceTimeMs int64  `json:"inference_time_ms"`
	AnalyzeMs       int64  `json:"analyze_ms"`
	GenerationMs    int64  `json:"generation_ms"`
	ValidationMs    int64  `json:"validation_ms"`
	TotalTimeMs     int64  `json:"total_time_ms"`
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
	Attempts        int    `json:"attempts"`
	ArtifactURI     string `json:"artifact_uri,omitempty"`
}

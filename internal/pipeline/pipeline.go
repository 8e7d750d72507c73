// Package pipeline turns a claimed job into a validated workflow graph.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/models"
	"workflow-gateway/internal/salvage"
	"workflow-gateway/internal/store"
	"workflow-gateway/internal/telemetry"
	"workflow-gateway/internal/workflow"
)

// ErrCancelled is returned by Run when the job left the processing state
// while the pipeline was working on it.
var ErrCancelled = errors.New("job cancelled")

const (
	analyzeTemperature  = 0.2
	analyzeMaxTokens    = 1024
	generateTemperature = 0.7
	generateMaxTokens   = 4096

	terminalWriteTimeout = 10 * time.Second
)

// LLM is the model surface the pipeline needs. Both the model manager and
// the bare inference client satisfy it.
type LLM interface {
	Chat(ctx context.Context, req inference.ChatRequest) (inference.ChatResponse, error)
	StreamChat(ctx context.Context, req inference.ChatRequest, fn func(inference.Chunk) error) error
}

// DeadLetters records ids of jobs that failed.
type DeadLetters interface {
	DLQPush(ctx context.Context, jobID string) error
}

// Archiver copies a completed graph to durable storage.
type Archiver interface {
	ArchiveWorkflow(ctx context.Context, jobID string, g models.WorkflowGraph) (string, error)
}

// Config tunes model choice and the timeout retry policy.
type Config struct {
	AnalyzeModel   string
	GenerateModel  string
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Logger         *slog.Logger
}

// Pipeline runs the analyze, generation and validation phases for one job at a time.
// It is safe for concurrent use; each Run keeps its own state.
type Pipeline struct {
	store   store.JobStore
	llm     LLM
	dlq     DeadLetters
	archive Archiver
	cfg     Config
	logger  *slog.Logger
}

// New wires a pipeline. Dead-lettering and archiving are off until set.
func New(st store.JobStore, llm LLM, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, llm: llm, cfg: cfg, logger: logger}
}

// WithDeadLetters pushes failed job ids to d.
func (p *Pipeline) WithDeadLetters(d DeadLetters) *Pipeline {
	p.dlq = d
	return p
}

// WithArchiver copies completed graphs through a.
func (p *Pipeline) WithArchiver(a Archiver) *Pipeline {
	p.archive = a
	return p
}

type run struct {
	*Pipeline
	job     models.Job
	started time.Time
	obs     models.Observability
}

// Run processes a job that the caller has already claimed. It returns nil
// when the job completed, ErrCancelled when it was cancelled underneath, and
// otherwise the error that was recorded on the job.
func (p *Pipeline) Run(ctx context.Context, job models.Job) error {
	ctx, span := telemetry.StartJobSpan(ctx, job.ID, job.Mode)
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	r := &run{Pipeline: p, job: job, started: time.Now()}
	p.logger.Info("job started", slog.String("job_id", job.ID), slog.String("mode", job.Mode))

	err := r.execute(ctx)
	if err != nil && !errors.Is(err, ErrCancelled) {
		err = r.fail(ctx, err)
	}

	switch {
	case err == nil:
		telemetry.JobsFinished.WithLabelValues(models.StatusCompleted).Inc()
		p.logger.Info("job completed",
			slog.String("job_id", job.ID),
			slog.Int64("total_ms", r.obs.TotalTimeMs),
			slog.Int("attempts", r.obs.Attempts))
	case errors.Is(err, ErrCancelled):
		telemetry.JobsFinished.WithLabelValues(models.StatusCancelled).Inc()
		p.logger.Info("job cancelled; stopping", slog.String("job_id", job.ID))
	default:
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
	}
	telemetry.EndSpan(span, err)
	return err
}

func (r *run) execute(ctx context.Context) error {
	var analysis map[string]any
	d, err := r.phase(ctx, models.PhaseAnalyze, func(ctx context.Context) error {
		var err error
		analysis, err = r.analyze(ctx)
		return err
	})
	r.obs.AnalyzeMs = d.Milliseconds()
	if err != nil {
		return err
	}

	var raw map[string]any
	d, err = r.phase(ctx, models.PhaseGeneration, func(ctx context.Context) error {
		var err error
		raw, err = r.generate(ctx, analysis)
		return err
	})
	r.obs.GenerationMs = d.Milliseconds()
	if err != nil {
		return err
	}

	var graph models.WorkflowGraph
	d, err = r.phase(ctx, models.PhaseValidation, func(ctx context.Context) error {
		var err error
		graph, err = r.validate(ctx, raw)
		return err
	})
	r.obs.ValidationMs = d.Milliseconds()
	if err != nil {
		return err
	}

	return r.complete(ctx, graph)
}

// phase re-reads the job status, then runs fn inside a span.
func (r *run) phase(ctx context.Context, name string, fn func(context.Context) error) (time.Duration, error) {
	if err := r.checkpoint(ctx); err != nil {
		return 0, err
	}
	ctx, span := telemetry.StartPhaseSpan(ctx, name)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	telemetry.PhaseDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	telemetry.EndSpan(span, err)
	return elapsed, err
}

func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := r.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("%w: status is %s", ErrCancelled, job.Status)
	}
	return nil
}

func (r *run) progress(ctx context.Context, phase, message string, pct int) error {
	err := r.store.AppendProgress(ctx, r.job.ID, store.ProgressUpdate{Phase: phase, Message: message, Progress: pct})
	if errors.Is(err, store.ErrConflict) {
		return ErrCancelled
	}
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	telemetry.AddSpanEvent(ctx, message, attribute.Int("progress", pct))
	return nil
}

func (r *run) analyze(ctx context.Context) (map[string]any, error) {
	if err := r.progress(ctx, models.PhaseAnalyze, "Starting workflow generation", 0); err != nil {
		return nil, err
	}
	if err := r.progress(ctx, models.PhaseAnalyze, "Analyzing requirements...", 10); err != nil {
		return nil, err
	}

	req := inference.ChatRequest{
		Model:    r.cfg.AnalyzeModel,
		Messages: analysisMessages(r.job),
		Options: inference.Options{
			Temperature: inference.Float(analyzeTemperature),
			NumPredict:  inference.Int(analyzeMaxTokens),
		},
	}
	r.obs.InputTokens += wordCount(messageText(req.Messages)...)

	start := time.Now()
	var resp inference.ChatResponse
	err := r.withRetry(ctx, "analyze", func(ctx context.Context) error {
		var err error
		resp, err = r.llm.Chat(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()
	// The daemon does not report load time separately; the split is an estimate.
	r.obs.ModelLoadTimeMs = elapsed / 5
	r.obs.InferenceTimeMs += elapsed - elapsed/5
	r.obs.OutputTokens += wordCount(resp.Message.Content)

	analysis, err := salvage.Object(resp.Message.Content)
	if err != nil {
		r.logger.Warn("analysis output unparseable; using fallback",
			slog.String("job_id", r.job.ID), slog.String("error", err.Error()))
		return fallbackAnalysis(), nil
	}
	return analysis, nil
}

func (r *run) generate(ctx context.Context, analysis map[string]any) (map[string]any, error) {
	if err := r.progress(ctx, models.PhaseGeneration, "Analysis complete", 30); err != nil {
		return nil, err
	}
	if err := r.progress(ctx, models.PhaseGeneration, "Generating workflow structure...", 40); err != nil {
		return nil, err
	}

	req := inference.ChatRequest{
		Model:    r.cfg.GenerateModel,
		Messages: generationMessages(r.job, analysis),
		Options: inference.Options{
			Temperature: inference.Float(generateTemperature),
			NumPredict:  inference.Int(generateMaxTokens),
		},
	}
	r.obs.InputTokens += wordCount(messageText(req.Messages)...)

	start := time.Now()
	var out strings.Builder
	err := r.withRetry(ctx, "generation", func(ctx context.Context) error {
		out.Reset()
		return r.llm.StreamChat(ctx, req, func(c inference.Chunk) error {
			out.WriteString(c.Content)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	r.obs.InferenceTimeMs += time.Since(start).Milliseconds()
	r.obs.OutputTokens += wordCount(out.String())

	raw, err := salvage.Object(out.String())
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	return raw, nil
}

func (r *run) validate(ctx context.Context, raw map[string]any) (models.WorkflowGraph, error) {
	if err := r.progress(ctx, models.PhaseValidation, "Workflow generation complete", 90); err != nil {
		return models.WorkflowGraph{}, err
	}
	if err := r.progress(ctx, models.PhaseValidation, "Validating workflow...", 95); err != nil {
		return models.WorkflowGraph{}, err
	}
	graph, err := workflow.Normalize(raw)
	if err != nil {
		return models.WorkflowGraph{}, fmt.Errorf("validation: %w", err)
	}
	return graph, nil
}

func (r *run) complete(ctx context.Context, graph models.WorkflowGraph) error {
	if r.archive != nil {
		uri, err := r.archive.ArchiveWorkflow(ctx, r.job.ID, graph)
		if err != nil {
			r.logger.Warn("archive workflow failed", slog.String("job_id", r.job.ID), slog.String("error", err.Error()))
		} else {
			r.obs.ArtifactURI = uri
		}
	}
	r.obs.TotalTimeMs = time.Since(r.started).Milliseconds()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	err := r.store.Complete(wctx, r.job.ID, graph, r.obs)
	if errors.Is(err, store.ErrConflict) {
		return ErrCancelled
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// fail records cause on the job and dead-letters it. The returned error is
// cause, or ErrCancelled when the job was no longer processing.
func (r *run) fail(ctx context.Context, cause error) error {
	r.obs.TotalTimeMs = time.Since(r.started).Milliseconds()
	r.logger.Error("job failed", slog.String("job_id", r.job.ID), slog.String("error", cause.Error()))

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	err := r.store.Fail(wctx, r.job.ID, cause.Error(), &r.obs)
	if errors.Is(err, store.ErrConflict) {
		return ErrCancelled
	}
	if err != nil {
		r.logger.Error("record failure", slog.String("job_id", r.job.ID), slog.String("error", err.Error()))
		return cause
	}
	if r.dlq != nil {
		if err := r.dlq.DLQPush(wctx, r.job.ID); err != nil {
			r.logger.Warn("dead-letter push failed", slog.String("job_id", r.job.ID), slog.String("error", err.Error()))
		}
	}
	return cause
}

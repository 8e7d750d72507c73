package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
	"workflow-gateway/internal/pipeline"
	"workflow-gateway/internal/store"
	"workflow-gateway/internal/telemetry"
)

// Runner executes a job that has already been claimed.
type Runner interface {
	Run(ctx context.Context, job models.Job) error
}

// Hints is an optional dispatch queue consulted before the store.
type Hints interface {
	Dequeue(ctx context.Context) (string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop and on-demand triggers.
// Every path claims through the store, so a job is processed at most once.
type Processor struct {
	cfg      config.Config
	store    store.JobStore
	runner   Runner
	hints    Hints
	workerID string
	logger   *slog.Logger

	// ctx bounds jobs started by Trigger; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProcessor(cfg config.Config, st store.JobStore, runner Runner, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, st, runner, logger, cfg.WorkerID)
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, st store.JobStore, runner Runner, logger *slog.Logger, workerID string) *Processor {
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:      cfg,
		store:    st,
		runner:   runner,
		workerID: workerID,
		logger:   logger.With(slog.String("worker_id", workerID)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// DefaultWorkerID derives an id from the hostname, else the pid.
func DefaultWorkerID() string {
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// WithHints makes the loop pop dispatch hints before scanning the store.
func (p *Processor) WithHints(h Hints) *Processor {
	p.hints = h
	return p
}

// WorkerID is the id recorded on claimed jobs.
func (p *Processor) WorkerID() string { return p.workerID }

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker loop started",
		slog.Duration("poll_interval", p.cfg.WorkerPollInterval),
		slog.Duration("error_backoff", p.cfg.WorkerErrorBackoff))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.hints != nil {
			if depth, err := p.hints.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepth.Set(float64(depth))
			}
		}

		job, ok, err := p.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("claim next job", slog.String("error", err.Error()))
			if !sleep(ctx, p.cfg.WorkerErrorBackoff) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.process(ctx, job)
	}
}

// Trigger claims id and processes it in the background. It returns
// store.ErrConflict when the job is not pending.
func (p *Processor) Trigger(ctx context.Context, id string) (models.Job, error) {
	job, err := p.store.Claim(ctx, id, p.workerID)
	if err != nil {
		return models.Job{}, err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(p.ctx, job)
	}()
	return job, nil
}

// PollOnce claims and synchronously processes the next available job.
// processed is false when nothing was pending.
func (p *Processor) PollOnce(ctx context.Context) (jobID string, processed bool, err error) {
	job, ok, err := p.next(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	p.process(ctx, job)
	return job.ID, true, nil
}

// Wait blocks until every triggered job has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Close cancels triggered jobs and waits for them.
func (p *Processor) Close() {
	p.cancel()
	p.wg.Wait()
}

// next prefers a dispatch hint and falls back to the oldest pending job.
// Hints are advisory: a stale or already-claimed id is skipped.
func (p *Processor) next(ctx context.Context) (models.Job, bool, error) {
	if p.hints != nil {
		id, err := p.hints.Dequeue(ctx)
		switch {
		case err != nil:
			p.logger.Warn("dequeue hint failed; scanning store", slog.String("error", err.Error()))
		case id != "":
			job, err := p.store.Claim(ctx, id, p.workerID)
			if err == nil {
				return job, true, nil
			}
			if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
				return models.Job{}, false, err
			}
			p.logger.Debug("stale dispatch hint", slog.String("job_id", id))
		}
	}
	return p.store.ClaimNext(ctx, p.workerID)
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	start := time.Now()
	err := p.runner.Run(ctx, job)
	switch {
	case err == nil:
		p.logger.Info("job processed", slog.String("job_id", job.ID), slog.Duration("elapsed", time.Since(start)))
	case errors.Is(err, pipeline.ErrCancelled):
		p.logger.Info("job abandoned after cancellation", slog.String("job_id", job.ID))
	default:
		p.logger.Warn("job failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

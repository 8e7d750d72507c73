package worker

import (
	"context"
	"fmt"
	"log/slog"

	"workflow-gateway/internal/artifact"
	"workflow-gateway/internal/config"
	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/modelmgr"
	"workflow-gateway/internal/pipeline"
	"workflow-gateway/internal/queue"
	"workflow-gateway/internal/store"
)

// Assembly is a fully wired worker: store, optional queue, daemon client,
// model manager and the processor that drives the pipeline.
type Assembly struct {
	Store     store.JobStore
	Queue     *queue.RedisQueue
	Daemon    *inference.Client
	Models    *modelmgr.Manager
	Processor *Processor
}

// Assemble connects every collaborator named by cfg. Redis and the artifact
// archive are optional and skipped when unconfigured.
func Assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Assembly, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &Assembly{Store: st}

	if cfg.RedisAddr != "" {
		a.Queue = queue.NewRedisQueue(cfg)
		if err := a.Queue.Ping(ctx); err != nil {
			logger.Warn("redis unreachable; dispatch hints disabled until it recovers",
				slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
		}
	}

	a.Daemon = inference.NewClient(inference.Config{
		BaseURL:              cfg.DaemonBaseURL,
		FallbackURL:          cfg.DaemonFallbackURL,
		Timeout:              cfg.DaemonTimeout,
		ProbeTimeout:         cfg.DaemonProbeTimeout,
		MaxRetries:           cfg.DaemonMaxRetries,
		NativeTunnelPatterns: cfg.NativeTunnelPatterns,
		Logger:               logger,
	})

	catalogue, found, err := modelmgr.LoadCatalogue(cfg.ModelsConfigPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !found {
		logger.Info("model catalogue not found; using defaults", slog.String("path", cfg.ModelsConfigPath))
	}
	a.Models = modelmgr.New(a.Daemon, catalogue, modelmgr.Config{
		PullMissing:       cfg.PullMissingModels,
		ImageMaxDimension: cfg.ImageMaxDimension,
		Logger:            logger,
	})
	if err := a.Models.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init models: %w", err)
	}

	pl := pipeline.New(st, a.Models, pipeline.Config{
		AnalyzeModel:   cfg.AnalyzeModel,
		GenerateModel:  cfg.GenerateModel,
		MaxAttempts:    cfg.PipelineMaxAttempts,
		BackoffInitial: cfg.PipelineBackoffInitial,
		BackoffMax:     cfg.PipelineBackoffMax,
		Logger:         logger,
	})
	archiver, err := artifact.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init artifact archive: %w", err)
	}
	if archiver != nil {
		pl.WithArchiver(archiver)
	}

	a.Processor = NewProcessor(cfg, st, pl, logger)
	if a.Queue != nil {
		pl.WithDeadLetters(a.Queue)
		a.Processor.WithHints(a.Queue)
	}
	return a, nil
}

// Close stops triggered jobs and releases connections.
func (a *Assembly) Close() {
	if a.Processor != nil {
		a.Processor.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workflow-gateway/internal/api"
	"workflow-gateway/internal/config"
	"workflow-gateway/internal/telemetry"
	workerproc "workflow-gateway/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	assembly, err := workerproc.Assemble(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("assemble worker: %v", err)
	}
	defer assembly.Close()

	// keep q a nil interface when Redis is off
	var q api.JobQueue
	if assembly.Queue != nil {
		q = assembly.Queue
	}
	server := api.New(cfg, assembly.Store, q, assembly.Processor, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.WorkerPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	logger.Info("worker started",
		slog.String("worker_id", assembly.Processor.WorkerID()),
		slog.String("port", cfg.WorkerPort),
		slog.Duration("poll_interval", cfg.WorkerPollInterval))
	if err := assembly.Processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

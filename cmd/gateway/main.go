package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"workflow-gateway/internal/api"
	"workflow-gateway/internal/config"
	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/modelmgr"
	"workflow-gateway/internal/proxy"
	"workflow-gateway/internal/ratelimit"
	"workflow-gateway/internal/telemetry"
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

	daemon := inference.NewClient(inference.Config{
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
		log.Fatalf("load model catalogue: %v", err)
	}
	if !found {
		logger.Info("model catalogue not found; using defaults", slog.String("path", cfg.ModelsConfigPath))
	}
	manager := modelmgr.New(daemon, catalogue, modelmgr.Config{
		PullMissing:       cfg.PullMissingModels,
		ImageMaxDimension: cfg.ImageMaxDimension,
		Logger:            logger,
	})
	if err := manager.Init(ctx); err != nil {
		log.Fatalf("init models: %v", err)
	}

	gateway := api.NewGateway(cfg, proxy.New(daemon, logger), manager, daemon, logger)
	if cfg.RedisAddr != "" && cfg.RateLimitCapacity > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		gateway.WithRateLimit(limiter.Middleware(logger))
	}
	if cfg.GatewayAPIKey == "" {
		logger.Warn("GATEWAY_API_KEY unset; inference routes are unauthenticated")
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: gateway.Router(),
	}

	logger.Info("gateway listening",
		slog.String("port", cfg.HTTPPort),
		slog.String("daemon", daemon.BaseURL()),
		slog.String("dialect", string(daemon.Dialect())))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
	"workflow-gateway/internal/queue"
	"workflow-gateway/internal/store"
	"workflow-gateway/internal/telemetry"
)

// app carries what every subcommand needs. Connections are opened per command.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd(cfg config.Config) *cobra.Command {
	a := &app{cfg: cfg}
	root := &cobra.Command{
		Use:          "wfctl",
		Short:        "Operate the workflow generation job store",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = telemetry.NewLogger(cmd.ErrOrStderr(), a.cfg.LogLevel)
		},
	}
	root.PersistentFlags().StringVar(&a.cfg.StoreDriver, "store", cfg.StoreDriver, "job store driver (postgres|sqlite)")
	root.PersistentFlags().StringVar(&a.cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database path")
	root.PersistentFlags().StringVar(&a.cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres connection string")
	root.PersistentFlags().StringVar(&a.cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for dispatch hints (optional)")

	root.AddCommand(
		submitCmd(a),
		statusCmd(a),
		cancelCmd(a),
		workerCmd(a),
		dlqCmd(a),
	)
	return root
}

func (a *app) openStore(ctx context.Context) (store.JobStore, error) {
	st, err := store.Open(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openQueue returns nil when Redis is not configured.
func (a *app) openQueue() *queue.RedisQueue {
	if a.cfg.RedisAddr == "" {
		return nil
	}
	return queue.NewRedisQueue(a.cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readWorkflowFile(path string) (*models.WorkflowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var g models.WorkflowGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	return &g, nil
}

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"workflow-gateway/internal/models"
	"workflow-gateway/internal/store"
)

func submitCmd(a *app) *cobra.Command {
	var mode, workflowFile string
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Create a workflow generation job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			params := store.CreateJobParams{Prompt: strings.Join(args, " "), Mode: mode}
			if workflowFile != "" {
				g, err := readWorkflowFile(workflowFile)
				if err != nil {
					return err
				}
				params.CurrentWorkflow = g
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.CreateJob(ctx, params)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			if q := a.openQueue(); q != nil {
				defer q.Close()
				if err := q.Enqueue(ctx, job.ID); err != nil {
					a.logger.Warn("enqueue dispatch hint failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
				}
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", models.ModeCreate, "generation mode (create|modify)")
	cmd.Flags().StringVar(&workflowFile, "workflow", "", "JSON file holding the workflow to modify")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job with its progress log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			if q := a.openQueue(); q != nil {
				defer q.Close()
				if err := q.Remove(ctx, job.ID); err != nil {
					a.logger.Warn("remove dispatch hint failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
				}
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func dlqCmd(a *app) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered job ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := a.openQueue()
			if q == nil {
				return fmt.Errorf("dead-letter queue requires --redis or REDIS_ADDR")
			}
			defer q.Close()
			ids, err := q.DLQPeek(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read dlq: %w", err)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 100, "maximum ids to list")
	return cmd
}

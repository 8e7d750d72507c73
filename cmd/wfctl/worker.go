package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	workerproc "workflow-gateway/internal/worker"
)

func workerCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process jobs from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				ch := make(chan os.Signal, 1)
				signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(ch)
				select {
				case <-ch:
					cancel()
				case <-ctx.Done():
				}
			}()

			assembly, err := workerproc.Assemble(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer assembly.Close()

			if once {
				id, processed, err := assembly.Processor.PollOnce(ctx)
				if err != nil {
					return err
				}
				if !processed {
					fmt.Fprintln(cmd.OutOrStdout(), "no jobs pending")
					return nil
				}
				job, err := assembly.Store.GetJob(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
				return nil
			}

			err = assembly.Processor.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process at most one job, then exit")
	return cmd
}

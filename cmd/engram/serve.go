package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/lexlapax/engram/pkg/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the consolidation scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Start(ctx); err != nil {
				return err
			}
			log.InfoContext(ctx, "Serving", "scheduler", e.Scheduler != nil)

			<-ctx.Done()
			log.Info("Shutting down")
			return ignoreCanceled(ctx.Err())
		},
	}
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

package main

import (
	"github.com/spf13/cobra"
)

func newConsolidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass",
		Long:  "Decay the scores of long unused memories, then reinforce frequently recalled ones.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.Engine.Consolidate(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), report)
		},
	}
}

package main

import (
	"github.com/spf13/cobra"
)

func newLinkCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <id>",
		Short: "Link a memory to its most similar memories",
		Long:  "Rerun relation discovery for a memory. Links are symmetric and never removed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.Engine.LinkRelated(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), rec)
		},
	}
}

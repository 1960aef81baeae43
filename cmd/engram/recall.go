package main

import (
	"strings"

	"github.com/lexlapax/engram/pkg/memory"
	"github.com/spf13/cobra"
)

func newRecallCmd(opts *rootOptions) *cobra.Command {
	var (
		limit     int
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Recall memories similar to a query",
		Long:  "Recall the memories most similar to the query. Every returned memory counts as accessed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("threshold") {
				threshold = e.Engine.Config().RecallThreshold
			}
			records, err := e.Engine.Recall(cmd.Context(), strings.Join(args, " "), limit, threshold)
			if err != nil {
				return err
			}
			if records == nil {
				records = []memory.Record{}
			}
			return opts.print(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Max results (default: engine recall_limit)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "Exclusive minimum similarity (default: engine recall_threshold)")
	return cmd
}

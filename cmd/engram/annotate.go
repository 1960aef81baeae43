package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAnnotateCmd(opts *rootOptions) *cobra.Command {
	var meta string

	cmd := &cobra.Command{
		Use:   "annotate <id>",
		Short: "Merge metadata into a memory",
		Long:  "Merge a JSON object into a memory's metadata. A null value removes the key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			if len(metadata) == 0 {
				return fmt.Errorf("--meta is required")
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.Engine.Annotate(cmd.Context(), args[0], metadata)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&meta, "meta", "", "JSON metadata to merge")
	return cmd
}

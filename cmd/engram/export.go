package main

import (
	"github.com/spf13/cobra"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var stdout bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every memory and feedback event",
		Long:  "Write a snapshot to the configured backup target (a directory or S3), or print it with --stdout.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if stdout {
				snapshot, err := e.Engine.ExportAll(cmd.Context())
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), snapshot)
			}

			location, stats, err := e.Backup(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]interface{}{
				"location":   location,
				"statistics": stats,
			})
		},
	}

	cmd.Flags().BoolVar(&stdout, "stdout", false, "Print the snapshot instead of writing it to the backup target")
	return cmd
}

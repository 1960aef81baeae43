package main

import (
	"github.com/spf13/cobra"
)

func newStoreCmd(opts *rootOptions) *cobra.Command {
	var (
		source string
		meta   string
	)

	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a memory",
		Long:  "Store a memory and link it to similar ones. Content can be a positional arg or piped via stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.Engine.Store(cmd.Context(), content, source, metadata)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "cli", "Provenance tag")
	cmd.Flags().StringVar(&meta, "meta", "", "JSON metadata")
	return cmd
}

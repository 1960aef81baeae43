package main

import (
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/spf13/cobra"
)

func newFeedbackCmd(opts *rootOptions) *cobra.Command {
	var (
		note    string
		content string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "feedback <id> <positive|negative|correction>",
		Short: "Submit feedback on a memory",
		Long: "Adjust a memory's feedback score. A correction with --content also stores " +
			"the corrected text as a new memory tagged with the original id.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := memory.ParseKind(args[1])
			if err != nil {
				return err
			}

			var payload memory.Payload
			switch kind {
			case memory.KindPositive:
				payload = memory.PositivePayload{Note: note}
			case memory.KindNegative:
				payload = memory.NegativePayload{Note: note}
			case memory.KindCorrection:
				payload = memory.CorrectionPayload{CorrectedContent: content, Reason: reason}
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Engine.SubmitFeedback(cmd.Context(), args[0], kind, payload)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Free-text note for positive or negative feedback")
	cmd.Flags().StringVar(&content, "content", "", "Corrected content")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the correction")
	return cmd
}

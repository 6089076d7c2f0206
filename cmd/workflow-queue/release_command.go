package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"workflowqueue/internal/release"
)

func newReleaseCommand(ctx *commandContext) *cobra.Command {
	var whenFlag string
	var outcomeFlag string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release this run's queue entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := release.ParseWhen(whenFlag)
			if err != nil {
				return usageError(cmd, err)
			}
			outcome, err := release.ParseOutcome(outcomeFlag)
			if err != nil {
				return usageError(cmd, err)
			}
			area, err := ctx.scratchArea()
			if err != nil {
				return err
			}
			rec, err := area.Load(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rec == nil {
				fmt.Fprintln(out, "No admission record for this run; nothing to release")
				return nil
			}

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			controller := release.New(store,
				release.WithLogger(ctx.loggerFor(cmd)),
				release.WithMetrics(ctx.recorder()),
			)
			result, err := controller.Release(cmd.Context(), rec, when, outcome)
			if err != nil {
				return err
			}
			if !result.Released {
				fmt.Fprintf(out, "Nothing released: %s\n", result.Reason)
				return nil
			}
			fmt.Fprintf(out, "Released workflow %s in partition %s as %s\n", rec.WorkflowID, rec.Key, result.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&whenFlag, "when", string(release.WhenAlways), "Release condition: always, on_success, on_fail")
	cmd.Flags().StringVar(&outcomeFlag, "outcome", string(release.OutcomeSuccess), "Outcome of the job: success or failed")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"workflowqueue/internal/cancellation"
	"workflowqueue/internal/circleci"
)

func newCancelSelfCommand(ctx *commandContext) *cobra.Command {
	var modeFlag string
	var graceSeconds int

	cmd := &cobra.Command{
		Use:   "cancel-self",
		Short: "Stop this workflow if admission decided it was superseded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			modeValue := cfg.Cancel.Mode
			if cmd.Flags().Changed("mode") {
				modeValue = modeFlag
			}
			mode, err := cancellation.ParseMode(modeValue)
			if err != nil {
				return usageError(cmd, err)
			}
			grace := cfg.CancelGrace()
			if cmd.Flags().Changed("grace") {
				if graceSeconds < 0 {
					return usageError(cmd, validationErr("--grace must not be negative"))
				}
				grace = time.Duration(graceSeconds) * time.Second
			}

			area, err := ctx.scratchArea()
			if err != nil {
				return err
			}
			client, err := circleci.NewClient(cfg)
			if err != nil {
				return err
			}
			executor := cancellation.New(client,
				cancellation.WithLogger(ctx.loggerFor(cmd)),
				cancellation.WithMetrics(ctx.recorder()),
			)
			result, err := executor.Enforce(cmd.Context(), area, mode, grace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !result.Enforced {
				fmt.Fprintln(out, "No cancellation pending")
				return nil
			}
			fmt.Fprintf(out, "Cancellation enforced (%s): %s\n", result.Mode, result.Reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&modeFlag, "mode", "", "Enforcement mode: cancel or halt (defaults to cancel.mode)")
	cmd.Flags().IntVar(&graceSeconds, "grace", 0, "Seconds to wait for the platform to confirm (defaults to cancel.grace_seconds)")
	return cmd
}

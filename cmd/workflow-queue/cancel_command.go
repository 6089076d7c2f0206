package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"workflowqueue/internal/faults"
	"workflowqueue/internal/logging"
	"workflowqueue/internal/queue"
)

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var keyFlag string

	cmd := &cobra.Command{
		Use:   "cancel <workflow_id>",
		Short: "Force an entry to CANCELLED (operator override for stuck locks)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := strings.TrimSpace(args[0])
			if workflowID == "" {
				return usageError(cmd, validationErr("workflow id must not be empty"))
			}
			key, err := ctx.requirePartition(keyFlag)
			if err != nil {
				return err
			}
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}

			entry, err := store.QueryByWorkflowID(cmd.Context(), key, workflowID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if entry == nil {
				return faults.Wrap(faults.ErrNotFound, "cli", "cancel",
					fmt.Sprintf("no entry for workflow %s in partition %s", workflowID, key), nil)
			}
			if entry.Status.IsTerminal() {
				fmt.Fprintf(out, "Workflow %s already %s; nothing to cancel\n", workflowID, entry.Status)
				return nil
			}

			now := time.Now().Unix()
			if err := store.UpdateStatus(cmd.Context(), key, entry.CommittedAt, queue.StatusCancelled, queue.Fields{
				ReleasedAt: queue.Int64Ptr(now),
			}); err != nil {
				return err
			}
			ctx.loggerFor(cmd).Warn("operator cancelled entry",
				logging.String(logging.FieldPartition, key),
				logging.String(logging.FieldWorkflowID, workflowID),
				logging.String("previous_status", string(entry.Status)),
			)
			fmt.Fprintf(out, "Cancelled workflow %s (was %s)\n", workflowID, entry.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFlag, "key", "", "Partition key (defaults to queue.key)")
	return cmd
}

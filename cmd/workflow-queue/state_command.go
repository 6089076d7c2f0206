package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"workflowqueue/internal/faults"
	"workflowqueue/internal/queue"
)

func newStateCommand(ctx *commandContext) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Share small values between steps through this run's queue entry",
	}
	stateCmd.AddCommand(newStateGetCommand(ctx))
	stateCmd.AddCommand(newStateSetCommand(ctx))
	return stateCmd
}

func newStateGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a state value",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := ctx.currentEntry(cmd)
			if err != nil {
				return err
			}
			value, ok := entry.State[args[0]]
			if !ok {
				return faults.Wrap(faults.ErrNotFound, "cli", "state get",
					fmt.Sprintf("no state value named %q", args[0]), nil)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newStateSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a state value",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := ctx.currentEntry(cmd)
			if err != nil {
				return err
			}
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			return store.UpdateStatus(cmd.Context(), entry.Key, entry.CommittedAt, entry.Status, queue.Fields{
				State: map[string]string{args[0]: args[1]},
			})
		},
	}
}

// currentEntry loads the entry recorded by this run's admission.
func (c *commandContext) currentEntry(cmd *cobra.Command) (*queue.Entry, error) {
	area, err := c.scratchArea()
	if err != nil {
		return nil, err
	}
	rec, err := area.Load(cmd.Context())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, faults.Wrap(faults.ErrNotFound, "cli", "state", "no admission record for this run; run acquire first", nil)
	}
	store, err := c.openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	entry, err := store.QueryByWorkflowID(cmd.Context(), rec.Key, rec.WorkflowID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, faults.Wrap(faults.ErrNotFound, "cli", "state",
			fmt.Sprintf("entry for workflow %s has expired", rec.WorkflowID), nil)
	}
	return entry, nil
}

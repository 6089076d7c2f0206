package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"workflowqueue/internal/admission"
	"workflowqueue/internal/circleci"
	"workflowqueue/internal/config"
	"workflowqueue/internal/logging"
)

type acquireFlags struct {
	key                 string
	waitForMinutes      int
	pollIntervalSeconds int
	ttlMinutes          int
	checkPreviousCommit bool
	noSquash            bool
	force               bool
	committedAt         int64
}

func newAcquireCommand(ctx *commandContext) *cobra.Command {
	var flags acquireFlags

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Enqueue this run and block until it reaches the front of its partition",
		Long: `Enqueue this run and block until it reaches the front of its partition.

When a newer run is already queued, this run is marked superseded instead of
waiting; run "cancel-self" in the next step to stop it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.loggerFor(cmd)
			area, err := ctx.scratchArea()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			key := ctx.partition(flags.key)
			if key == "" {
				fmt.Fprintln(out, "No partition key configured; proceeding without queueing")
				return nil
			}
			req, err := buildAcquireRequest(cmd, cfg, flags, logger)
			if err != nil {
				return err
			}
			req.Key = key

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			controller := admission.New(store,
				admission.WithLogger(logger),
				admission.WithMetrics(ctx.recorder()),
				admission.WithScratch(area),
				admission.WithOperationTimeout(cfg.StoreTimeout()),
			)
			result, err := controller.Acquire(cmd.Context(), req)
			if err != nil {
				return err
			}
			if result.Decision == admission.DecisionCancel {
				fmt.Fprintf(out, "Workflow %s superseded in partition %s: %s\n", req.Run.WorkflowID, req.Key, result.Reason)
				fmt.Fprintln(out, "Run `workflow-queue cancel-self` to stop this workflow")
				return nil
			}
			fmt.Fprintf(out, "Workflow %s acquired partition %s after %d attempt(s)\n", req.Run.WorkflowID, req.Key, result.Attempts)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.key, "key", "", "Partition key (defaults to queue.key)")
	cmd.Flags().IntVar(&flags.waitForMinutes, "wait-for", 0, "Maximum minutes to wait (defaults to queue.wait_for_minutes)")
	cmd.Flags().IntVar(&flags.pollIntervalSeconds, "poll-interval", 0, "Seconds between queue checks (defaults to queue.poll_interval_seconds)")
	cmd.Flags().IntVar(&flags.ttlMinutes, "ttl", 0, "Minutes before an abandoned entry expires (defaults to queue.ttl_minutes)")
	cmd.Flags().BoolVar(&flags.checkPreviousCommit, "check-previous-commit", false, "Also wait for runs of the parent commit")
	cmd.Flags().BoolVar(&flags.noSquash, "no-squash", false, "Never self-cancel in favor of a newer run")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Skip the queue and mark this run RUNNING immediately")
	cmd.Flags().Int64Var(&flags.committedAt, "committed-at", 0, "Commit time in epoch seconds (defaults to git commit time)")
	return cmd
}

func buildAcquireRequest(cmd *cobra.Command, cfg *config.Config, flags acquireFlags, logger *slog.Logger) (admission.Request, error) {
	req := admission.Request{
		WaitFor:             cfg.WaitFor(),
		PollInterval:        cfg.PollInterval(),
		TTL:                 cfg.TTL(),
		CheckPreviousCommit: cfg.Queue.CheckPreviousCommit,
		NoSquash:            flags.noSquash,
		Force:               flags.force,
	}
	if flags.waitForMinutes < 0 || flags.pollIntervalSeconds < 0 || flags.ttlMinutes < 0 {
		return req, usageError(cmd, validationErr("--wait-for, --poll-interval and --ttl must not be negative"))
	}
	if cmd.Flags().Changed("wait-for") {
		req.WaitFor = time.Duration(flags.waitForMinutes) * time.Minute
	}
	if cmd.Flags().Changed("poll-interval") {
		if flags.pollIntervalSeconds == 0 {
			return req, usageError(cmd, validationErr("--poll-interval must be positive"))
		}
		req.PollInterval = time.Duration(flags.pollIntervalSeconds) * time.Second
	}
	if cmd.Flags().Changed("ttl") {
		if flags.ttlMinutes == 0 {
			return req, usageError(cmd, validationErr("--ttl must be positive"))
		}
		req.TTL = time.Duration(flags.ttlMinutes) * time.Minute
	}
	if cmd.Flags().Changed("check-previous-commit") {
		req.CheckPreviousCommit = flags.checkPreviousCommit
	}

	run, message, err := resolveRun(cmd.Context(), flags, req.CheckPreviousCommit, logger)
	if err != nil {
		return req, err
	}
	req.Run = run
	if tag := strings.TrimSpace(cfg.Queue.NoSquashTag); !req.NoSquash && tag != "" && strings.Contains(message, tag) {
		logger.Info("commit message disables squashing", logging.String("tag", tag))
		req.NoSquash = true
	}
	return req, nil
}

// resolveRun identifies this run from the CircleCI environment and the local
// checkout. Outside CI a random workflow id is generated so the command can
// still be exercised by hand.
func resolveRun(ctx context.Context, flags acquireFlags, withPrevious bool, logger *slog.Logger) (admission.Run, string, error) {
	info, err := circleci.LoadRunInfo()
	if err != nil {
		return admission.Run{}, "", err
	}
	git := circleci.NewGit()

	run := admission.Run{
		WorkflowID:  info.WorkflowID,
		Commit:      info.Commit,
		Branch:      info.Branch,
		Username:    info.Username,
		BuildNum:    info.BuildNum,
		CommittedAt: flags.committedAt,
	}
	if !info.OnCI() {
		run.WorkflowID = uuid.NewString()
		logger.Warn("CIRCLE_WORKFLOW_ID not set; using a generated workflow id",
			logging.String(logging.FieldWorkflowID, run.WorkflowID))
	}
	if run.Commit == "" {
		head, err := git.Head(ctx)
		if err != nil {
			return admission.Run{}, "", err
		}
		run.Commit = head
	}
	if run.CommittedAt == 0 {
		ts, err := git.CommitTime(ctx, run.Commit)
		if err != nil {
			return admission.Run{}, "", err
		}
		run.CommittedAt = ts
	}
	if withPrevious {
		prev, err := git.PreviousCommit(ctx, run.Commit)
		if err != nil {
			return admission.Run{}, "", err
		}
		run.PreviousCommit = prev
	}

	message, err := git.CommitMessage(ctx, run.Commit)
	if err != nil {
		logger.Warn("commit message unavailable; squash tag not checked", logging.Error(err))
		message = ""
	}
	return run, message, nil
}

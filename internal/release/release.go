// Package release moves a run's queue entry to a terminal status once the
// run's work is done.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"workflowqueue/internal/clock"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/logging"
	"workflowqueue/internal/metrics"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/scratch"
)

// When selects which run outcomes trigger a release.
type When string

const (
	WhenAlways    When = "always"
	WhenOnFail    When = "on_fail"
	WhenOnSuccess When = "on_success"
)

// Outcome is the result of the steps that ran under the lock.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ParseWhen validates a release selector.
func ParseWhen(value string) (When, error) {
	switch w := When(strings.ToLower(strings.TrimSpace(value))); w {
	case WhenAlways, WhenOnFail, WhenOnSuccess:
		return w, nil
	default:
		return "", faults.Wrap(faults.ErrValidation, "release", "parse selector",
			fmt.Sprintf("unknown selector %q (want always, on_fail, or on_success)", value), nil)
	}
}

// ParseOutcome validates a run outcome.
func ParseOutcome(value string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(value))); o {
	case OutcomeSuccess, OutcomeFailed:
		return o, nil
	default:
		return "", faults.Wrap(faults.ErrValidation, "release", "parse outcome",
			fmt.Sprintf("unknown outcome %q (want success or failed)", value), nil)
	}
}

// Matches reports whether the selector applies to the outcome.
func (w When) Matches(outcome Outcome) bool {
	switch w {
	case WhenAlways:
		return true
	case WhenOnFail:
		return outcome == OutcomeFailed
	case WhenOnSuccess:
		return outcome == OutcomeSuccess
	default:
		return false
	}
}

// Result reports what a release did.
type Result struct {
	Released bool
	Entry    *queue.Entry
	Status   queue.Status
	Reason   string
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for released_at.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) {
		if c != nil {
			ctrl.clock = c
		}
	}
}

// WithLogger sets the logger; the component attribute is added automatically.
func WithLogger(logger *slog.Logger) Option {
	return func(ctrl *Controller) {
		ctrl.logger = logging.NewComponentLogger(logger, "release")
	}
}

// WithMetrics records releases on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(ctrl *Controller) {
		ctrl.metrics = rec
	}
}

// Controller applies terminal transitions.
type Controller struct {
	store   queue.Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs a Controller over store.
func New(store queue.Store, opts ...Option) *Controller {
	ctrl := &Controller{
		store:  store,
		clock:  clock.Real{},
		logger: logging.NewComponentLogger(nil, "release"),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

// Release finalizes the entry named by rec. Calling it again leaves the status
// alone and only refreshes released_at. A missing record or entry is a no-op.
func (c *Controller) Release(ctx context.Context, rec *scratch.Record, when When, outcome Outcome) (Result, error) {
	if rec == nil || rec.Key == "" {
		return Result{Reason: "no admission record for this run"}, nil
	}
	if !when.Matches(outcome) {
		return Result{Reason: fmt.Sprintf("selector %s does not match outcome %s", when, outcome)}, nil
	}

	logger := c.logger.With(
		logging.String(logging.FieldPartition, rec.Key),
		logging.String(logging.FieldWorkflowID, rec.WorkflowID),
	)

	entry, err := c.store.QueryByWorkflowID(ctx, rec.Key, rec.WorkflowID)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		logger.Info("entry already expired; nothing to release")
		return Result{Reason: "entry not found"}, nil
	}

	target := targetStatus(entry.Status, outcome)
	now := c.clock.Now().Unix()
	err = c.store.UpdateStatus(ctx, entry.Key, entry.CommittedAt, target, queue.Fields{ReleasedAt: &now})
	if errors.Is(err, queue.ErrNotFound) {
		logger.Info("entry expired during release; nothing to release")
		return Result{Reason: "entry not found"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	entry.Status = target
	entry.ReleasedAt = queue.Int64Ptr(now)
	logger.Info("entry released",
		logging.String(logging.FieldStatus, string(target)),
		slog.Duration("held", heldFor(now, entry.AcquiredAt)),
	)
	c.metrics.ObserveRelease(rec.Key, string(target))
	return Result{Released: true, Entry: entry, Status: target}, nil
}

// targetStatus picks the terminal status for an entry in status from.
func targetStatus(from queue.Status, outcome Outcome) queue.Status {
	switch {
	case from.IsTerminal():
		return from
	case from == queue.StatusQueued:
		return queue.StatusCancelled
	case outcome == OutcomeFailed:
		return queue.StatusFailed
	default:
		return queue.StatusSuccess
	}
}

func heldFor(now int64, acquiredAt *int64) time.Duration {
	if acquiredAt == nil || *acquiredAt > now {
		return 0
	}
	return time.Duration(now-*acquiredAt) * time.Second
}

// Package cancellation enforces a self-cancel decision made during admission.
//
// Admission only records the decision. A later step of the same run calls
// Enforce, which either cancels the whole workflow through the platform and
// waits for confirmation, or halts the current job successfully when the
// platform cannot hard-cancel mid-run.
package cancellation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"workflowqueue/internal/clock"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/logging"
	"workflowqueue/internal/metrics"
	"workflowqueue/internal/scratch"
)

// Mode selects how a decision is enforced.
type Mode string

const (
	ModeCancel Mode = "cancel"
	ModeHalt   Mode = "halt"
)

const (
	defaultPollInterval = 5 * time.Second
	workflowCanceled    = "canceled"
)

// ParseMode validates an enforcement mode.
func ParseMode(value string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(value))); m {
	case ModeCancel, ModeHalt:
		return m, nil
	default:
		return "", faults.Wrap(faults.ErrValidation, "cancellation", "parse mode",
			fmt.Sprintf("unknown mode %q (want cancel or halt)", value), nil)
	}
}

// Platform is the orchestration control surface.
type Platform interface {
	CancelWorkflow(ctx context.Context, workflowID string) error
	WorkflowStatus(ctx context.Context, workflowID string) (string, error)
	Halt(ctx context.Context) error
}

// Result reports what Enforce did.
type Result struct {
	Enforced bool
	Mode     Mode
	Reason   string
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock used for the grace deadline.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger; the component attribute is added automatically.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logging.NewComponentLogger(logger, "cancellation")
	}
}

// WithMetrics records enforcement results on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(e *Executor) {
		e.metrics = rec
	}
}

// WithPollInterval sets how often workflow status is checked during the grace period.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// Executor consumes pending cancel decisions.
type Executor struct {
	platform     Platform
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Recorder
	pollInterval time.Duration
}

// New constructs an Executor.
func New(platform Platform, opts ...Option) *Executor {
	e := &Executor{
		platform:     platform,
		clock:        clock.Real{},
		logger:       logging.NewComponentLogger(nil, "cancellation"),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce acts on the decision stored in area. Without a pending decision it
// does nothing. In cancel mode it fails with faults.ErrCancellation when the
// platform has not confirmed within grace.
func (e *Executor) Enforce(ctx context.Context, area *scratch.Area, mode Mode, grace time.Duration) (Result, error) {
	rec, err := area.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	if !rec.CancelPending() {
		return Result{Mode: mode}, nil
	}
	logger := e.logger.With(
		logging.String(logging.FieldWorkflowID, rec.WorkflowID),
		logging.String(logging.FieldPartition, rec.Key),
		logging.String("mode", string(mode)),
	)
	logger.Info("enforcing cancel decision", logging.String("reason", rec.Reason))

	switch mode {
	case ModeHalt:
		if err := e.platform.Halt(ctx); err != nil {
			e.metrics.ObserveCancellation(string(mode), "error")
			return Result{Mode: mode}, faults.Wrap(faults.ErrCancellation, "cancellation", "halt", "", err)
		}
		e.metrics.ObserveCancellation(string(mode), "halted")
	case ModeCancel:
		if err := e.cancelAndConfirm(ctx, rec.WorkflowID, grace, logger); err != nil {
			e.metrics.ObserveCancellation(string(mode), "unconfirmed")
			return Result{Mode: mode}, err
		}
		e.metrics.ObserveCancellation(string(mode), "confirmed")
	default:
		return Result{}, faults.Wrap(faults.ErrValidation, "cancellation", "enforce",
			fmt.Sprintf("unknown mode %q", mode), nil)
	}

	if err := area.Update(ctx, func(r *scratch.Record) error {
		r.Decision = ""
		return nil
	}); err != nil {
		return Result{Enforced: true, Mode: mode, Reason: rec.Reason}, fmt.Errorf("clear cancel decision: %w", err)
	}
	return Result{Enforced: true, Mode: mode, Reason: rec.Reason}, nil
}

func (e *Executor) cancelAndConfirm(ctx context.Context, workflowID string, grace time.Duration, logger *slog.Logger) error {
	if err := e.platform.CancelWorkflow(ctx, workflowID); err != nil {
		return faults.Wrap(faults.ErrCancellation, "cancellation", "request cancel", "", err)
	}
	deadline := e.clock.Now().Add(grace)
	for {
		status, err := e.platform.WorkflowStatus(ctx, workflowID)
		if err != nil {
			logger.Warn("workflow status check failed", logging.Error(err))
		} else if status == workflowCanceled {
			logger.Info("platform confirmed cancellation")
			return nil
		}
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return faults.Wrap(faults.ErrCancellation, "cancellation", "confirm",
				fmt.Sprintf("workflow %s not cancelled within %s (last status %q)", workflowID, grace, status), nil)
		}
		wait := e.pollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return faults.Wrap(faults.ErrCancellation, "cancellation", "confirm", "interrupted", err)
		}
	}
}

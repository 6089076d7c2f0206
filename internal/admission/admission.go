package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workflowqueue/internal/clock"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/logging"
	"workflowqueue/internal/metrics"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/scratch"
)

// Decision tells the calling run whether to continue or stop.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionCancel  Decision = "cancel"
)

// Run identifies the pipeline run asking for admission.
type Run struct {
	WorkflowID     string
	Commit         string
	Branch         string
	Username       string
	BuildNum       int64
	CommittedAt    int64
	PreviousCommit string
}

// Request carries the per-invocation admission policy.
type Request struct {
	Run                 Run
	Key                 string
	WaitFor             time.Duration
	PollInterval        time.Duration
	TTL                 time.Duration
	CheckPreviousCommit bool
	// NoSquash keeps the run in line even when a newer run is queued behind it.
	NoSquash bool
	// Force skips the queue and marks the entry RUNNING immediately.
	Force bool
	State map[string]string
}

// Result describes how admission resolved.
type Result struct {
	// Entry is nil when no partition key was requested.
	Entry    *queue.Entry
	Decision Decision
	Reason   string
	Attempts int
	Waited   time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for timestamps and sleeping.
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
		ctrl.logger = logging.NewComponentLogger(logger, "admission")
	}
}

// WithMetrics records outcomes on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(ctrl *Controller) {
		ctrl.metrics = rec
	}
}

// WithScratch persists the resolved entry identity and any cancel decision.
func WithScratch(area *scratch.Area) Option {
	return func(ctrl *Controller) {
		ctrl.scratch = area
	}
}

// WithOperationTimeout bounds each individual store call.
func WithOperationTimeout(d time.Duration) Option {
	return func(ctrl *Controller) {
		ctrl.opTimeout = d
	}
}

// Controller runs the enqueue, squash, and poll-until-front protocol against
// a shared store. Two runs may both observe themselves at the front inside
// one poll window; the store offers no stronger guarantee.
type Controller struct {
	store     queue.Store
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Recorder
	scratch   *scratch.Area
	opTimeout time.Duration
}

// New constructs a Controller over store.
func New(store queue.Store, opts ...Option) *Controller {
	ctrl := &Controller{
		store:  store,
		clock:  clock.Real{},
		logger: logging.NewComponentLogger(nil, "admission"),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

// Attempts returns how many polls fit in waitFor at pollInterval, at least one.
func Attempts(waitFor, pollInterval time.Duration) int {
	if pollInterval <= 0 || waitFor <= 0 {
		return 1
	}
	n := int((waitFor + pollInterval - 1) / pollInterval)
	if n < 1 {
		return 1
	}
	return n
}

// Acquire enqueues the run and blocks until it may proceed, should cancel
// itself, or runs out of attempts.
func (c *Controller) Acquire(ctx context.Context, req Request) (Result, error) {
	start := c.clock.Now()
	if req.Key == "" {
		c.logger.Info("no partition key configured; proceeding without serialization")
		c.metrics.ObserveAdmission("", metrics.OutcomeSkipped, 0, 0)
		return Result{Decision: DecisionProceed}, nil
	}
	if err := validate(req); err != nil {
		return Result{}, err
	}

	logger := c.logger.With(
		logging.String(logging.FieldPartition, req.Key),
		logging.String(logging.FieldWorkflowID, req.Run.WorkflowID),
	)

	entry, err := c.enqueue(ctx, req, start)
	if err != nil {
		c.metrics.ObserveAdmission(req.Key, metrics.OutcomeError, 0, 0)
		return Result{}, err
	}
	logger.Info("entry enqueued",
		logging.String(logging.FieldCommit, entry.Commit),
		logging.Int64(logging.FieldCommittedAt, entry.CommittedAt),
	)

	if req.Force {
		if err := c.markRunning(ctx, entry); err != nil {
			c.metrics.ObserveAdmission(req.Key, metrics.OutcomeError, 0, 0)
			return Result{Entry: entry}, err
		}
		logger.Warn("forced admission; skipping queue checks")
		c.metrics.ObserveAdmission(req.Key, metrics.OutcomeForced, 0, 0)
		return Result{Entry: entry, Decision: DecisionProceed, Reason: "forced"}, nil
	}

	attempts := Attempts(req.WaitFor, req.PollInterval)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, done, err := c.poll(ctx, req, entry, logger.With(logging.Int(logging.FieldAttempt, attempt)))
		if err != nil {
			c.metrics.ObserveAdmission(req.Key, metrics.OutcomeError, c.clock.Now().Sub(start), attempt)
			return Result{Entry: entry, Attempts: attempt}, err
		}
		if done {
			result.Attempts = attempt
			result.Waited = c.clock.Now().Sub(start)
			outcome := metrics.OutcomeAcquired
			if result.Decision == DecisionCancel {
				outcome = metrics.OutcomeSquashed
			}
			c.metrics.ObserveAdmission(req.Key, outcome, result.Waited, attempt)
			return result, nil
		}
		if attempt == attempts {
			break
		}
		if err := c.clock.Sleep(ctx, req.PollInterval); err != nil {
			logger.Warn("admission interrupted; entry stays queued until it expires", logging.Error(err))
			c.metrics.ObserveAdmission(req.Key, metrics.OutcomeError, c.clock.Now().Sub(start), attempt)
			return Result{Entry: entry, Attempts: attempt}, fmt.Errorf("admission wait interrupted: %w", err)
		}
	}

	waited := c.clock.Now().Sub(start)
	logger.Warn("admission timed out; entry stays queued until it expires",
		logging.Int(logging.FieldAttempt, attempts),
		slog.Duration("waited", waited),
	)
	c.metrics.ObserveAdmission(req.Key, metrics.OutcomeTimeout, waited, attempts)
	return Result{Entry: entry, Attempts: attempts, Waited: waited},
		faults.Wrap(faults.ErrTimeout, "admission", "wait",
			fmt.Sprintf("not at front of partition %q after %d attempts", req.Key, attempts), nil)
}

func validate(req Request) error {
	if req.Run.WorkflowID == "" {
		return faults.Wrap(faults.ErrConfiguration, "admission", "acquire", "workflow id is required", nil)
	}
	if req.PollInterval <= 0 {
		return faults.Wrap(faults.ErrValidation, "admission", "acquire", "poll interval must be positive", nil)
	}
	if req.TTL <= 0 {
		return faults.Wrap(faults.ErrValidation, "admission", "acquire", "ttl must be positive so abandoned entries expire", nil)
	}
	if req.WaitFor < 0 {
		return faults.Wrap(faults.ErrValidation, "admission", "acquire", "wait duration must not be negative", nil)
	}
	return nil
}

func (c *Controller) enqueue(ctx context.Context, req Request, now time.Time) (*queue.Entry, error) {
	committedAt := req.Run.CommittedAt
	if committedAt == 0 {
		committedAt = now.Unix()
	}
	entry := &queue.Entry{
		Key:         req.Key,
		CommittedAt: committedAt,
		CreatedAt:   now.Unix(),
		BuildNum:    req.Run.BuildNum,
		Commit:      req.Run.Commit,
		Branch:      req.Run.Branch,
		Username:    req.Run.Username,
		WorkflowID:  req.Run.WorkflowID,
		Status:      queue.StatusQueued,
		State:       req.State,
	}
	entry.ExpiresAt = now.Add(req.TTL).Unix()

	opCtx, cancel := c.storeContext(ctx)
	err := c.store.Put(opCtx, entry)
	cancel()
	if err != nil {
		return nil, err
	}
	if c.scratch != nil {
		record := scratch.Record{Key: entry.Key, CommittedAt: entry.CommittedAt, WorkflowID: entry.WorkflowID}
		if err := c.scratch.Save(ctx, record); err != nil {
			return nil, fmt.Errorf("persist admission record: %w", err)
		}
	}
	return entry, nil
}

// poll runs one admission attempt. done reports whether the result is final.
func (c *Controller) poll(ctx context.Context, req Request, entry *queue.Entry, logger *slog.Logger) (Result, bool, error) {
	opCtx, cancel := c.storeContext(ctx)
	active, err := c.store.QueryByPartition(opCtx, req.Key, queue.ActiveStatuses(), 0)
	cancel()
	if err != nil {
		return Result{}, false, err
	}

	if !ownsActiveEntry(active, entry) {
		reason := "entry is no longer active in the partition"
		logger.Warn("entry left the queue while waiting; cancelling run")
		if err := c.recordCancel(ctx, reason); err != nil {
			return Result{}, false, err
		}
		return Result{Entry: entry, Decision: DecisionCancel, Reason: reason}, true, nil
	}

	if !req.NoSquash {
		last := active[len(active)-1]
		if last.WorkflowID != entry.WorkflowID {
			return c.squash(ctx, entry, last, logger)
		}
	}

	if req.CheckPreviousCommit && req.Run.PreviousCommit != "" {
		opCtx, cancel := c.storeContext(ctx)
		previous, err := c.store.QueryByCommit(opCtx, req.Key, req.Run.PreviousCommit)
		cancel()
		if err != nil {
			return Result{}, false, err
		}
		if len(previous) == 0 {
			logger.Info("previous commit has not enqueued yet; waiting",
				logging.String(logging.FieldCommit, req.Run.PreviousCommit))
			return Result{}, false, nil
		}
	}

	opCtx, cancel = c.storeContext(ctx)
	total, err := c.store.ScanCount(opCtx, req.Key)
	cancel()
	if err != nil {
		return Result{}, false, err
	}
	front := total == 0 || active[0].WorkflowID == entry.WorkflowID
	if !front {
		logger.Debug("waiting for front of queue",
			logging.String("front_workflow_id", active[0].WorkflowID),
			logging.Int("active", len(active)),
		)
		return Result{}, false, nil
	}

	if err := c.markRunning(ctx, entry); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
			reason := "entry changed before it could be acquired"
			logger.Warn(reason, logging.Error(err))
			if err := c.recordCancel(ctx, reason); err != nil {
				return Result{}, false, err
			}
			return Result{Entry: entry, Decision: DecisionCancel, Reason: reason}, true, nil
		}
		return Result{}, false, err
	}
	logger.Info("acquired front of queue")
	return Result{Entry: entry, Decision: DecisionProceed}, true, nil
}

func (c *Controller) squash(ctx context.Context, entry, newer *queue.Entry, logger *slog.Logger) (Result, bool, error) {
	reason := fmt.Sprintf("superseded by workflow %s (commit %s)", newer.WorkflowID, newer.Commit)
	now := c.clock.Now().Unix()
	opCtx, cancel := c.storeContext(ctx)
	err := c.store.UpdateStatus(opCtx, entry.Key, entry.CommittedAt, queue.StatusCancelled, queue.Fields{ReleasedAt: &now})
	cancel()
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return Result{}, false, err
	}
	entry.Status = queue.StatusCancelled
	entry.ReleasedAt = queue.Int64Ptr(now)
	logger.Info("newer run queued; squashing this run",
		logging.String("newer_workflow_id", newer.WorkflowID),
		logging.String(logging.FieldCommit, newer.Commit),
	)
	if err := c.recordCancel(ctx, reason); err != nil {
		return Result{}, false, err
	}
	return Result{Entry: entry, Decision: DecisionCancel, Reason: reason}, true, nil
}

func (c *Controller) markRunning(ctx context.Context, entry *queue.Entry) error {
	now := c.clock.Now().Unix()
	opCtx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.store.UpdateStatus(opCtx, entry.Key, entry.CommittedAt, queue.StatusRunning, queue.Fields{AcquiredAt: &now}); err != nil {
		return err
	}
	entry.Status = queue.StatusRunning
	entry.AcquiredAt = queue.Int64Ptr(now)
	return nil
}

func (c *Controller) recordCancel(ctx context.Context, reason string) error {
	if c.scratch == nil {
		return nil
	}
	err := c.scratch.Update(ctx, func(rec *scratch.Record) error {
		rec.Decision = scratch.DecisionCancel
		rec.Reason = reason
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist cancel decision: %w", err)
	}
	return nil
}

func (c *Controller) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func ownsActiveEntry(active []*queue.Entry, entry *queue.Entry) bool {
	for _, e := range active {
		if e.WorkflowID == entry.WorkflowID && e.CommittedAt == entry.CommittedAt {
			return true
		}
	}
	return false
}

package cancellation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"workflowqueue/internal/cancellation"
	"workflowqueue/internal/clock"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/scratch"
)

type fakePlatform struct {
	cancelled    []string
	halts        int
	confirmAfter int
	statusCalls  int
	cancelErr    error
	haltErr      error
}

func (f *fakePlatform) CancelWorkflow(_ context.Context, workflowID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, workflowID)
	return nil
}

func (f *fakePlatform) WorkflowStatus(context.Context, string) (string, error) {
	f.statusCalls++
	if f.confirmAfter > 0 && f.statusCalls >= f.confirmAfter {
		return "canceled", nil
	}
	return "running", nil
}

func (f *fakePlatform) Halt(context.Context) error {
	if f.haltErr != nil {
		return f.haltErr
	}
	f.halts++
	return nil
}

func pendingArea(t *testing.T) *scratch.Area {
	t.Helper()
	area := scratch.New(t.TempDir())
	err := area.Save(context.Background(), scratch.Record{
		Key:         "deploy",
		CommittedAt: 100,
		WorkflowID:  "wf-1",
		Decision:    scratch.DecisionCancel,
		Reason:      "superseded",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return area
}

func newExecutor(p cancellation.Platform) (*cancellation.Executor, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return cancellation.New(p, cancellation.WithClock(clk), cancellation.WithPollInterval(5*time.Second)), clk
}

func TestNoDecisionIsNoop(t *testing.T) {
	platform := &fakePlatform{}
	exec, _ := newExecutor(platform)
	area := scratch.New(t.TempDir())
	result, err := exec.Enforce(context.Background(), area, cancellation.ModeCancel, time.Minute)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if result.Enforced || len(platform.cancelled) != 0 || platform.halts != 0 {
		t.Fatalf("expected no platform calls, got %+v %+v", result, platform)
	}
}

func TestCancelConfirmedWithinGrace(t *testing.T) {
	platform := &fakePlatform{confirmAfter: 3}
	exec, clk := newExecutor(platform)
	area := pendingArea(t)

	result, err := exec.Enforce(context.Background(), area, cancellation.ModeCancel, time.Minute)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !result.Enforced || len(platform.cancelled) != 1 || platform.cancelled[0] != "wf-1" {
		t.Fatalf("unexpected result %+v platform %+v", result, platform)
	}
	if len(clk.Sleeps()) != 2 {
		t.Fatalf("expected two polls before confirmation, got %v", clk.Sleeps())
	}
	rec, err := area.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.CancelPending() {
		t.Fatal("decision should be cleared after enforcement")
	}
}

func TestCancelUnconfirmedFailsLoudly(t *testing.T) {
	platform := &fakePlatform{}
	exec, clk := newExecutor(platform)
	area := pendingArea(t)

	_, err := exec.Enforce(context.Background(), area, cancellation.ModeCancel, 12*time.Second)
	if !errors.Is(err, faults.ErrCancellation) {
		t.Fatalf("expected cancellation failure, got %v", err)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 3 || sleeps[2] != 2*time.Second {
		t.Fatalf("expected polls to stop at the grace deadline, got %v", sleeps)
	}
	rec, _ := area.Load(context.Background())
	if !rec.CancelPending() {
		t.Fatal("decision must stay pending when enforcement fails")
	}
}

func TestCancelRequestErrorIsCancellationFailure(t *testing.T) {
	platform := &fakePlatform{cancelErr: errors.New("401")}
	exec, _ := newExecutor(platform)
	_, err := exec.Enforce(context.Background(), pendingArea(t), cancellation.ModeCancel, time.Minute)
	if !errors.Is(err, faults.ErrCancellation) {
		t.Fatalf("expected cancellation failure, got %v", err)
	}
}

func TestHaltMode(t *testing.T) {
	platform := &fakePlatform{}
	exec, _ := newExecutor(platform)
	result, err := exec.Enforce(context.Background(), pendingArea(t), cancellation.ModeHalt, time.Minute)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !result.Enforced || platform.halts != 1 || len(platform.cancelled) != 0 {
		t.Fatalf("expected a single halt, got %+v %+v", result, platform)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := cancellation.ParseMode("HALT"); err != nil || m != cancellation.ModeHalt {
		t.Fatalf("ParseMode = %q, %v", m, err)
	}
	if _, err := cancellation.ParseMode("explode"); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

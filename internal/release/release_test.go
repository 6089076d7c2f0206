package release_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"workflowqueue/internal/clock"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/release"
	"workflowqueue/internal/scratch"
	"workflowqueue/internal/testsupport"
)

func setup(t *testing.T, status queue.Status) (*queue.MemoryStore, *clock.Manual, *release.Controller, *scratch.Record) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := queue.NewMemoryStore(queue.WithClock(clk.Now))
	entry := testsupport.NewEntry("deploy", "wf-1", "c1", 100, clk.Now())
	entry.Status = status
	if status == queue.StatusRunning {
		entry.AcquiredAt = queue.Int64Ptr(clk.Now().Unix())
	}
	testsupport.MustPut(t, store, entry)
	rec := &scratch.Record{Key: "deploy", CommittedAt: 100, WorkflowID: "wf-1"}
	return store, clk, release.New(store, release.WithClock(clk)), rec
}

func stored(t *testing.T, store queue.Store) *queue.Entry {
	t.Helper()
	entry, err := store.QueryByWorkflowID(context.Background(), "deploy", "wf-1")
	if err != nil {
		t.Fatalf("QueryByWorkflowID: %v", err)
	}
	return entry
}

func TestWhenMatches(t *testing.T) {
	cases := []struct {
		when    release.When
		outcome release.Outcome
		want    bool
	}{
		{release.WhenAlways, release.OutcomeSuccess, true},
		{release.WhenAlways, release.OutcomeFailed, true},
		{release.WhenOnFail, release.OutcomeFailed, true},
		{release.WhenOnFail, release.OutcomeSuccess, false},
		{release.WhenOnSuccess, release.OutcomeSuccess, true},
		{release.WhenOnSuccess, release.OutcomeFailed, false},
	}
	for _, tc := range cases {
		if got := tc.when.Matches(tc.outcome); got != tc.want {
			t.Fatalf("%s.Matches(%s) = %v want %v", tc.when, tc.outcome, got, tc.want)
		}
	}
}

func TestParseRejectsUnknownValues(t *testing.T) {
	if _, err := release.ParseWhen("sometimes"); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := release.ParseOutcome("meh"); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if w, err := release.ParseWhen(" ON_FAIL "); err != nil || w != release.WhenOnFail {
		t.Fatalf("ParseWhen = %q, %v", w, err)
	}
}

func TestReleaseRunningEntryByOutcome(t *testing.T) {
	cases := []struct {
		outcome release.Outcome
		want    queue.Status
	}{
		{release.OutcomeSuccess, queue.StatusSuccess},
		{release.OutcomeFailed, queue.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(string(tc.outcome), func(t *testing.T) {
			store, clk, ctrl, rec := setup(t, queue.StatusRunning)
			clk.Advance(45 * time.Second)
			result, err := ctrl.Release(context.Background(), rec, release.WhenAlways, tc.outcome)
			if err != nil {
				t.Fatalf("Release: %v", err)
			}
			if !result.Released || result.Status != tc.want {
				t.Fatalf("unexpected result: %+v", result)
			}
			entry := stored(t, store)
			if entry.Status != tc.want || entry.ReleasedAt == nil || *entry.ReleasedAt != clk.Now().Unix() {
				t.Fatalf("unexpected stored entry: %#v", entry)
			}
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store, clk, ctrl, rec := setup(t, queue.StatusRunning)
	ctx := context.Background()
	if _, err := ctrl.Release(ctx, rec, release.WhenAlways, release.OutcomeSuccess); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	clk.Advance(time.Minute)
	result, err := ctrl.Release(ctx, rec, release.WhenAlways, release.OutcomeFailed)
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if result.Status != queue.StatusSuccess {
		t.Fatalf("terminal status must not change, got %s", result.Status)
	}
	entry := stored(t, store)
	if entry.Status != queue.StatusSuccess {
		t.Fatalf("expected SUCCESS to stick, got %s", entry.Status)
	}
	if *entry.ReleasedAt != clk.Now().Unix() {
		t.Fatalf("released_at should be refreshed, got %d", *entry.ReleasedAt)
	}
}

func TestReleaseQueuedEntryCancelsIt(t *testing.T) {
	store, _, ctrl, rec := setup(t, queue.StatusQueued)
	result, err := ctrl.Release(context.Background(), rec, release.WhenAlways, release.OutcomeFailed)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result.Status != queue.StatusCancelled || stored(t, store).Status != queue.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %+v", result)
	}
}

func TestReleaseSkipsWhenSelectorDoesNotMatch(t *testing.T) {
	store, _, ctrl, rec := setup(t, queue.StatusRunning)
	result, err := ctrl.Release(context.Background(), rec, release.WhenOnFail, release.OutcomeSuccess)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result.Released {
		t.Fatalf("expected no release, got %+v", result)
	}
	if stored(t, store).Status != queue.StatusRunning {
		t.Fatal("entry should still be RUNNING")
	}
}

func TestReleaseExpiredEntryIsNoop(t *testing.T) {
	_, clk, ctrl, rec := setup(t, queue.StatusRunning)
	clk.Advance(2 * time.Hour)
	result, err := ctrl.Release(context.Background(), rec, release.WhenAlways, release.OutcomeSuccess)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result.Released {
		t.Fatalf("expected no-op for expired entry, got %+v", result)
	}
}

func TestReleaseWithoutRecordIsNoop(t *testing.T) {
	_, _, ctrl, _ := setup(t, queue.StatusRunning)
	result, err := ctrl.Release(context.Background(), nil, release.WhenAlways, release.OutcomeSuccess)
	if err != nil || result.Released {
		t.Fatalf("expected no-op, got %+v err %v", result, err)
	}
}

package main

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"workflowqueue/internal/faults"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/testsupport"
)

func TestCancelForcesEntryCancelled(t *testing.T) {
	env := setupCLITestEnv(t)
	seedPartition(t, env)

	out, _, err := runCLI(t, []string{"cancel", "wf-running"}, env.configPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "Cancelled workflow wf-running (was RUNNING)")

	entry := env.entry(t, "wf-running")
	if entry.Status != queue.StatusCancelled || entry.ReleasedAt == nil {
		t.Fatalf("expected cancelled entry with released_at, got %+v", entry)
	}
}

func TestCancelUnknownWorkflowFailsWithoutMutation(t *testing.T) {
	env := setupCLITestEnv(t)
	seedPartition(t, env)
	before, err := env.store.QueryByPartition(t.Context(), testPartition, nil, 0)
	if err != nil {
		t.Fatalf("QueryByPartition: %v", err)
	}

	_, _, err = runCLI(t, []string{"cancel", "wf-missing"}, env.configPath)
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if faults.ExitCode(err) == 0 {
		t.Fatal("expected non-zero exit code")
	}

	after, err := env.store.QueryByPartition(t.Context(), testPartition, nil, 0)
	if err != nil {
		t.Fatalf("QueryByPartition: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("store mutated:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestCancelTerminalEntryLeavesStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	seedPartition(t, env)

	out, _, err := runCLI(t, []string{"cancel", "wf-done"}, env.configPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "already SUCCESS")
	if got := env.entry(t, "wf-done").Status; got != queue.StatusSuccess {
		t.Fatalf("status changed to %s", got)
	}
}

func TestCancelRejectsDuplicateWorkflowID(t *testing.T) {
	env := setupCLITestEnv(t)
	now := time.Now()
	testsupport.MustPut(t, env.store, testsupport.NewEntry(testPartition, "wf-dup", "a", 100, now))
	testsupport.MustPut(t, env.store, testsupport.NewEntry(testPartition, "wf-dup", "b", 200, now))

	_, _, err := runCLI(t, []string{"cancel", "wf-dup"}, env.configPath)
	if !errors.Is(err, faults.ErrDataIntegrity) {
		t.Fatalf("expected data integrity error, got %v", err)
	}
}

func TestCancelRequiresWorkflowID(t *testing.T) {
	env := setupCLITestEnv(t)
	_, stderr, err := runCLI(t, []string{"cancel"}, env.configPath)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	requireContains(t, stderr, "Usage:")
}

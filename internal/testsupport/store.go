package testsupport

import (
	"context"
	"testing"
	"time"

	"workflowqueue/internal/config"
	"workflowqueue/internal/queue"
)

// MustOpenStore opens the configured queue store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) queue.Store {
	t.Helper()

	store, err := queue.Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewEntry builds a QUEUED entry that expires an hour after now.
func NewEntry(key, workflowID, commit string, committedAt int64, now time.Time) *queue.Entry {
	return &queue.Entry{
		Key:         key,
		CommittedAt: committedAt,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
		BuildNum:    1,
		Commit:      commit,
		Branch:      "main",
		Username:    "tester",
		WorkflowID:  workflowID,
		Status:      queue.StatusQueued,
	}
}

// MustPut stores the entry or fails the test.
func MustPut(t testing.TB, store queue.Store, entry *queue.Entry) {
	t.Helper()

	if err := store.Put(context.Background(), entry); err != nil {
		t.Fatalf("store.Put: %v", err)
	}
}

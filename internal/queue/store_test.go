package queue_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"workflowqueue/internal/config"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/testsupport"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type storeFactory func(t *testing.T, clock *testClock) queue.Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"memory": func(t *testing.T, clock *testClock) queue.Store {
			return queue.NewMemoryStore(queue.WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *testClock) queue.Store {
			store, err := queue.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), queue.WithClock(clock.Now))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"redis": func(t *testing.T, clock *testClock) queue.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			store := queue.NewRedisStore(client, "wfqtest", queue.WithClock(clock.Now))
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	if dsn := os.Getenv("WORKFLOW_QUEUE_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T, clock *testClock) queue.Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				t.Fatalf("connect postgres: %v", err)
			}
			table := fmt.Sprintf("wfq_test_%d", time.Now().UnixNano())
			store, err := queue.NewPostgresStore(ctx, pool, table, queue.WithClock(clock.Now))
			if err != nil {
				pool.Close()
				t.Fatalf("NewPostgresStore: %v", err)
			}
			t.Cleanup(func() {
				_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
				_ = store.Close()
			})
			return store
		}
	}
	return factories
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store queue.Store, clock *testClock)) {
	t.Helper()
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: time.Unix(1_700_000_000, 0)}
			fn(t, factory(t, clock), clock)
		})
	}
}

func workflowIDs(entries []*queue.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.WorkflowID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueryByPartitionOrdersAndFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		ctx := context.Background()
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-c", "c3", 300, clock.Now()))
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-a", "c1", 100, clock.Now()))
		running := testsupport.NewEntry("deploy", "wf-b", "c2", 200, clock.Now())
		running.Status = queue.StatusRunning
		testsupport.MustPut(t, store, running)
		done := testsupport.NewEntry("deploy", "wf-z", "c0", 50, clock.Now())
		done.Status = queue.StatusSuccess
		testsupport.MustPut(t, store, done)
		testsupport.MustPut(t, store, testsupport.NewEntry("other", "wf-x", "c9", 10, clock.Now()))

		all, err := store.QueryByPartition(ctx, "deploy", nil, 0)
		if err != nil {
			t.Fatalf("QueryByPartition: %v", err)
		}
		if got, want := workflowIDs(all), []string{"wf-z", "wf-a", "wf-b", "wf-c"}; !equalStrings(got, want) {
			t.Fatalf("unexpected order: got %v want %v", got, want)
		}

		active, err := store.QueryByPartition(ctx, "deploy", queue.ActiveStatuses(), 0)
		if err != nil {
			t.Fatalf("QueryByPartition active: %v", err)
		}
		if got, want := workflowIDs(active), []string{"wf-a", "wf-b", "wf-c"}; !equalStrings(got, want) {
			t.Fatalf("unexpected active entries: got %v want %v", got, want)
		}

		limited, err := store.QueryByPartition(ctx, "deploy", queue.ActiveStatuses(), 2)
		if err != nil {
			t.Fatalf("QueryByPartition limited: %v", err)
		}
		if got, want := workflowIDs(limited), []string{"wf-a", "wf-b"}; !equalStrings(got, want) {
			t.Fatalf("unexpected limited entries: got %v want %v", got, want)
		}

		count, err := store.ScanCount(ctx, "deploy")
		if err != nil {
			t.Fatalf("ScanCount: %v", err)
		}
		if count != 4 {
			t.Fatalf("expected 4 entries, got %d", count)
		}
	})
}

func TestPutThenQueryByWorkflowIDRoundTrips(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		entry := testsupport.NewEntry("deploy", "wf-rt", "abc123", 100, clock.Now())
		entry.AcquiredAt = queue.Int64Ptr(clock.Now().Unix())
		entry.State = map[string]string{"artifact": "s3://bucket/key"}
		testsupport.MustPut(t, store, entry)

		got, err := store.QueryByWorkflowID(context.Background(), "deploy", "wf-rt")
		if err != nil {
			t.Fatalf("QueryByWorkflowID: %v", err)
		}
		if !reflect.DeepEqual(got, entry) {
			t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, entry)
		}
	})
}

func TestPutReplacesEntryAtSameCommitTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		ctx := context.Background()
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-old", "c1", 100, clock.Now()))
		replacement := testsupport.NewEntry("deploy", "wf-new", "c1", 100, clock.Now())
		replacement.State = map[string]string{"stage": "build"}
		testsupport.MustPut(t, store, replacement)

		entries, err := store.QueryByPartition(ctx, "deploy", nil, 0)
		if err != nil {
			t.Fatalf("QueryByPartition: %v", err)
		}
		if len(entries) != 1 || entries[0].WorkflowID != "wf-new" {
			t.Fatalf("expected replacement entry, got %v", workflowIDs(entries))
		}
		if entries[0].State["stage"] != "build" {
			t.Fatalf("expected state to round trip, got %v", entries[0].State)
		}
		if entries[0].Branch != "main" || entries[0].Username != "tester" || entries[0].BuildNum != 1 {
			t.Fatalf("unexpected entry fields: %#v", entries[0])
		}
	})
}

func TestUpdateStatusAppliesFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		ctx := context.Background()
		entry := testsupport.NewEntry("deploy", "wf-1", "c1", 100, clock.Now())
		entry.State = map[string]string{"keep": "yes"}
		testsupport.MustPut(t, store, entry)

		acquired := clock.Now().Unix()
		err := store.UpdateStatus(ctx, "deploy", 100, queue.StatusRunning, queue.Fields{
			AcquiredAt: queue.Int64Ptr(acquired),
			State:      map[string]string{"lock": "held"},
		})
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}

		got, err := store.QueryByWorkflowID(ctx, "deploy", "wf-1")
		if err != nil {
			t.Fatalf("QueryByWorkflowID: %v", err)
		}
		if got == nil {
			t.Fatal("expected entry")
		}
		if got.Status != queue.StatusRunning {
			t.Fatalf("expected RUNNING, got %s", got.Status)
		}
		if got.AcquiredAt == nil || *got.AcquiredAt != acquired {
			t.Fatalf("expected acquired_at %d, got %v", acquired, got.AcquiredAt)
		}
		if got.ReleasedAt != nil {
			t.Fatalf("expected released_at unset, got %v", *got.ReleasedAt)
		}
		if got.State["keep"] != "yes" || got.State["lock"] != "held" {
			t.Fatalf("expected merged state, got %v", got.State)
		}

		released := acquired + 30
		if err := store.UpdateStatus(ctx, "deploy", 100, queue.StatusSuccess, queue.Fields{ReleasedAt: &released}); err != nil {
			t.Fatalf("UpdateStatus success: %v", err)
		}
		got, err = store.QueryByWorkflowID(ctx, "deploy", "wf-1")
		if err != nil {
			t.Fatalf("QueryByWorkflowID: %v", err)
		}
		if got.Status != queue.StatusSuccess || got.ReleasedAt == nil || *got.ReleasedAt != released {
			t.Fatalf("unexpected released entry: %#v", got)
		}
	})
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		ctx := context.Background()
		entry := testsupport.NewEntry("deploy", "wf-1", "c1", 100, clock.Now())
		entry.Status = queue.StatusSuccess
		testsupport.MustPut(t, store, entry)

		err := store.UpdateStatus(ctx, "deploy", 100, queue.StatusRunning, queue.Fields{})
		if !errors.Is(err, queue.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		got, err := store.QueryByWorkflowID(ctx, "deploy", "wf-1")
		if err != nil {
			t.Fatalf("QueryByWorkflowID: %v", err)
		}
		if got.Status != queue.StatusSuccess {
			t.Fatalf("status should be unchanged, got %s", got.Status)
		}
	})
}

func TestUpdateStatusMissingEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		err := store.UpdateStatus(context.Background(), "deploy", 42, queue.StatusRunning, queue.Fields{})
		if !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestQueryByWorkflowID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		ctx := context.Background()
		got, err := store.QueryByWorkflowID(ctx, "deploy", "missing")
		if err != nil {
			t.Fatalf("QueryByWorkflowID: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil for unknown workflow, got %#v", got)
		}

		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-dup", "c1", 100, clock.Now()))
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-dup", "c2", 200, clock.Now()))
		if _, err := store.QueryByWorkflowID(ctx, "deploy", "wf-dup"); !errors.Is(err, faults.ErrDataIntegrity) {
			t.Fatalf("expected data integrity error, got %v", err)
		}
	})
}

func TestQueryByCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-2", "abc", 200, clock.Now()))
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-1", "abc", 100, clock.Now()))
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-3", "def", 300, clock.Now()))

		entries, err := store.QueryByCommit(context.Background(), "deploy", "abc")
		if err != nil {
			t.Fatalf("QueryByCommit: %v", err)
		}
		if got, want := workflowIDs(entries), []string{"wf-1", "wf-2"}; !equalStrings(got, want) {
			t.Fatalf("unexpected commit matches: got %v want %v", got, want)
		}
	})
}

func TestExpiredEntriesAreInvisible(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		ctx := context.Background()
		testsupport.MustPut(t, store, testsupport.NewEntry("deploy", "wf-1", "c1", 100, clock.Now()))
		forever := testsupport.NewEntry("deploy", "wf-2", "c2", 200, clock.Now())
		forever.ExpiresAt = 0
		testsupport.MustPut(t, store, forever)

		clock.Advance(2 * time.Hour)

		entries, err := store.QueryByPartition(ctx, "deploy", nil, 0)
		if err != nil {
			t.Fatalf("QueryByPartition: %v", err)
		}
		if got, want := workflowIDs(entries), []string{"wf-2"}; !equalStrings(got, want) {
			t.Fatalf("unexpected visible entries: got %v want %v", got, want)
		}
		count, err := store.ScanCount(ctx, "deploy")
		if err != nil {
			t.Fatalf("ScanCount: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected 1 visible entry, got %d", count)
		}
		if got, err := store.QueryByWorkflowID(ctx, "deploy", "wf-1"); err != nil || got != nil {
			t.Fatalf("expected expired entry to be absent, got %#v err %v", got, err)
		}
		if err := store.UpdateStatus(ctx, "deploy", 100, queue.StatusRunning, queue.Fields{}); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for expired entry, got %v", err)
		}
	})
}

func TestPutValidatesEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store queue.Store, clock *testClock) {
		entry := testsupport.NewEntry("", "wf-1", "c1", 100, clock.Now())
		if err := store.Put(context.Background(), entry); !errors.Is(err, faults.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	if _, ok := store.(*queue.SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if _, err := os.Stat(cfg.Store.SQLitePath); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	memCfg := testsupport.NewConfig(t, testsupport.WithBackend(config.BackendMemory))
	if _, ok := testsupport.MustOpenStore(t, memCfg).(*queue.MemoryStore); !ok {
		t.Fatal("expected memory store")
	}

	badCfg := testsupport.NewConfig(t, testsupport.WithBackend("etcd"))
	if _, err := queue.Open(context.Background(), badCfg); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenSQLiteReopensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()
	now := time.Now()

	first, err := queue.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	testsupport.MustPut(t, first, testsupport.NewEntry("deploy", "wf-1", "c1", 100, now))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := queue.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	count, err := second.ScanCount(ctx, "deploy")
	if err != nil {
		t.Fatalf("ScanCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected persisted entry, got %d", count)
	}
}

func TestPostgresSchemaIndexesCommitLookups(t *testing.T) {
	dsn := os.Getenv("WORKFLOW_QUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WORKFLOW_QUEUE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	table := fmt.Sprintf("wfq_index_%d", time.Now().UnixNano())
	store, err := queue.NewPostgresStore(ctx, pool, table)
	if err != nil {
		pool.Close()
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
		_ = store.Close()
	})

	var count int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM pg_indexes WHERE tablename = $1 AND indexdef LIKE '%(partition_key, commit_sha)%'`,
		table,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query pg_indexes: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a (partition_key, commit_sha) index on %s, found %d", table, count)
	}
}

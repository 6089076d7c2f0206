package queue

import (
	"context"
	"fmt"
	"time"

	"workflowqueue/internal/config"
	"workflowqueue/internal/faults"
)

// Store is the persistence contract every queue backend satisfies.
//
// Reads never return entries whose ExpiresAt has passed. A limit <= 0 means
// unlimited and an empty status list means every status.
type Store interface {
	// Put inserts or replaces the entry at (Key, CommittedAt).
	Put(ctx context.Context, entry *Entry) error
	// UpdateStatus changes the status of an existing entry and writes any
	// auxiliary fields in the same operation. It returns ErrNotFound when no
	// visible entry exists and ErrInvalidTransition when the lifecycle forbids
	// the move.
	UpdateStatus(ctx context.Context, key string, committedAt int64, status Status, fields Fields) error
	// QueryByPartition returns entries in queue order.
	QueryByPartition(ctx context.Context, key string, statuses []Status, limit int) ([]*Entry, error)
	// QueryByWorkflowID returns the single entry owned by the workflow, or nil.
	QueryByWorkflowID(ctx context.Context, key, workflowID string) (*Entry, error)
	// QueryByCommit returns entries for a revision in queue order.
	QueryByCommit(ctx context.Context, key, commit string) ([]*Entry, error)
	// ScanCount returns the number of visible entries in the partition.
	ScanCount(ctx context.Context, key string) (int, error)
	Close() error
}

// Option customizes a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for expiry filtering.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Open constructs the backend selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (Store, error) {
	if cfg == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "queue", "open", "config is nil", nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := OpenSQLite(ctx, cfg.Store.SQLitePath, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		store, err := OpenRedis(ctx, RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := OpenPostgres(ctx, cfg.Store.PostgresDSN, cfg.Store.PostgresTable, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		return NewMemoryStore(opts...), nil
	default:
		return nil, faults.Wrap(faults.ErrConfiguration, "queue", "open",
			fmt.Sprintf("unsupported store backend %q", cfg.Store.Backend), nil)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func validateEntry(entry *Entry) error {
	if entry == nil {
		return faults.Wrap(faults.ErrValidation, "queue", "put", "entry is nil", nil)
	}
	if entry.Key == "" {
		return faults.Wrap(faults.ErrValidation, "queue", "put", "partition key is empty", nil)
	}
	if entry.WorkflowID == "" {
		return faults.Wrap(faults.ErrValidation, "queue", "put", "workflow id is empty", nil)
	}
	if _, ok := ParseStatus(string(entry.Status)); !ok {
		return faults.Wrap(faults.ErrValidation, "queue", "put",
			fmt.Sprintf("unknown status %q", entry.Status), nil)
	}
	return nil
}

func notFound(backend, key string, committedAt int64) error {
	return faults.Wrap(ErrNotFound, backend, "update status",
		fmt.Sprintf("no entry at partition %q committed_at %d", key, committedAt), nil)
}

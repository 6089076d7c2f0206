package queue

import (
	"context"
	"sync"
	"time"
)

const memoryBackend = "memory store"

// MemoryStore keeps entries in process memory. It backs tests and single
// process dry runs.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	partitions map[string]map[int64]*Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{now: o.now, partitions: make(map[string]map[int64]*Entry)}
}

func (s *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := ensureContext(ctx).Err(); err != nil {
		return storeErr(memoryBackend, "put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	partition := s.partitions[entry.Key]
	if partition == nil {
		partition = make(map[int64]*Entry)
		s.partitions[entry.Key] = partition
	}
	partition[entry.CommittedAt] = entry.Clone()
	s.pruneLocked(entry.Key)
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, key string, committedAt int64, status Status, fields Fields) error {
	if err := ensureContext(ctx).Err(); err != nil {
		return storeErr(memoryBackend, "update status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.partitions[key][committedAt]
	if !ok || entry.Expired(s.now()) {
		return notFound(memoryBackend, key, committedAt)
	}
	updated := entry.Clone()
	if err := applyUpdate(updated, status, fields); err != nil {
		return err
	}
	s.partitions[key][committedAt] = updated
	return nil
}

func (s *MemoryStore) QueryByPartition(ctx context.Context, key string, statuses []Status, limit int) ([]*Entry, error) {
	if err := ensureContext(ctx).Err(); err != nil {
		return nil, storeErr(memoryBackend, "query by partition", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return selectEntries(s.visibleLocked(key, nil), statuses, limit), nil
}

func (s *MemoryStore) QueryByWorkflowID(ctx context.Context, key, workflowID string) (*Entry, error) {
	if err := ensureContext(ctx).Err(); err != nil {
		return nil, storeErr(memoryBackend, "query by workflow id", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.visibleLocked(key, func(e *Entry) bool { return e.WorkflowID == workflowID })
	return singleWorkflowMatch(memoryBackend, key, workflowID, matches)
}

func (s *MemoryStore) QueryByCommit(ctx context.Context, key, commit string) ([]*Entry, error) {
	if err := ensureContext(ctx).Err(); err != nil {
		return nil, storeErr(memoryBackend, "query by commit", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.visibleLocked(key, func(e *Entry) bool { return e.Commit == commit })
	return selectEntries(matches, nil, 0), nil
}

func (s *MemoryStore) ScanCount(ctx context.Context, key string) (int, error) {
	if err := ensureContext(ctx).Err(); err != nil {
		return 0, storeErr(memoryBackend, "scan count", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visibleLocked(key, nil)), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) visibleLocked(key string, keep func(*Entry) bool) []*Entry {
	now := s.now()
	out := make([]*Entry, 0, len(s.partitions[key]))
	for _, e := range s.partitions[key] {
		if e.Expired(now) {
			continue
		}
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

func (s *MemoryStore) pruneLocked(key string) {
	now := s.now()
	for committedAt, e := range s.partitions[key] {
		if e.Expired(now) {
			delete(s.partitions[key], committedAt)
		}
	}
}

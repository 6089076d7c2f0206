package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"workflowqueue/internal/faults"
)

// Status represents the lifecycle of a queue entry.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// allowedTransitions lists the forward moves out of each non-terminal status.
var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
}

var (
	// ErrNotFound reports that no visible entry exists for the requested identity.
	ErrNotFound = faults.ErrNotFound
	// ErrInvalidTransition reports a status change the lifecycle does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Entry is one pipeline run's place in a partition queue. Timestamps are epoch
// seconds. State is carried verbatim and never interpreted by the queue.
type Entry struct {
	Key         string            `json:"key"`
	CommittedAt int64             `json:"committed_at"`
	CreatedAt   int64             `json:"created_at"`
	ExpiresAt   int64             `json:"expires_at"`
	AcquiredAt  *int64            `json:"acquired_at,omitempty"`
	ReleasedAt  *int64            `json:"released_at,omitempty"`
	BuildNum    int64             `json:"build_num"`
	Commit      string            `json:"commit"`
	Branch      string            `json:"branch,omitempty"`
	Username    string            `json:"username"`
	WorkflowID  string            `json:"workflow_id"`
	Status      Status            `json:"status"`
	State       map[string]string `json:"state,omitempty"`
}

// Fields carries the auxiliary columns written alongside a status change.
// Nil pointers leave the stored value untouched; State is merged key by key.
type Fields struct {
	AcquiredAt *int64
	ReleasedAt *int64
	State      map[string]string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ActiveStatuses returns the statuses that hold a place in the queue.
func ActiveStatuses() []Status {
	return []Status{StatusQueued, StatusRunning}
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether no further transition can leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status holds a place in the queue.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// CanTransition reports whether an entry may move from one status to another.
// Re-applying the current status is always allowed so auxiliary fields can be
// refreshed without touching the lifecycle.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && e.ExpiresAt <= now.Unix()
}

// Clone returns a deep copy so callers cannot alias stored state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.AcquiredAt != nil {
		v := *e.AcquiredAt
		cp.AcquiredAt = &v
	}
	if e.ReleasedAt != nil {
		v := *e.ReleasedAt
		cp.ReleasedAt = &v
	}
	cp.State = cloneState(e.State)
	return &cp
}

// Less orders entries by commit time, breaking ties on workflow id so every
// backend agrees on queue order.
func Less(a, b *Entry) bool {
	if a.CommittedAt != b.CommittedAt {
		return a.CommittedAt < b.CommittedAt
	}
	return a.WorkflowID < b.WorkflowID
}

// SortEntries sorts entries into queue order in place.
func SortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
}

// Int64Ptr is a convenience for populating optional timestamps.
func Int64Ptr(v int64) *int64 {
	return &v
}

// applyUpdate mutates entry in place after checking the transition.
func applyUpdate(entry *Entry, status Status, fields Fields) error {
	if !CanTransition(entry.Status, status) {
		return fmt.Errorf("%w: %s -> %s (partition %q, committed_at %d)",
			ErrInvalidTransition, entry.Status, status, entry.Key, entry.CommittedAt)
	}
	entry.Status = status
	if fields.AcquiredAt != nil {
		entry.AcquiredAt = Int64Ptr(*fields.AcquiredAt)
	}
	if fields.ReleasedAt != nil {
		entry.ReleasedAt = Int64Ptr(*fields.ReleasedAt)
	}
	if len(fields.State) > 0 {
		merged := cloneState(entry.State)
		if merged == nil {
			merged = make(map[string]string, len(fields.State))
		}
		for k, v := range fields.State {
			merged[k] = v
		}
		entry.State = merged
	}
	return nil
}

func cloneState(state map[string]string) map[string]string {
	if len(state) == 0 {
		return nil
	}
	cp := make(map[string]string, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp
}

func statusFilter(statuses []Status) map[Status]struct{} {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// selectEntries filters visible entries by status, orders them, and applies the limit.
func selectEntries(entries []*Entry, statuses []Status, limit int) []*Entry {
	filter := statusFilter(statuses)
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if filter != nil {
			if _, ok := filter[e.Status]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	SortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// singleWorkflowMatch enforces the workflow id uniqueness invariant.
func singleWorkflowMatch(backend, key, workflowID string, matches []*Entry) (*Entry, error) {
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, faults.Wrap(faults.ErrDataIntegrity, backend, "query by workflow id",
			fmt.Sprintf("partition %q has %d entries for workflow %s", key, len(matches), workflowID), nil)
	}
}

func storeErr(backend, operation string, err error) error {
	return faults.Wrap(faults.ErrStore, backend, operation, "", err)
}

// Package scratch persists the per-run admission record so later steps of the
// same run can release the entry or enforce a cancel decision.
package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	recordFile     = "admission.json"
	lockFile       = "admission.lock"
	lockRetryDelay = 50 * time.Millisecond
)

// DecisionCancel marks a record whose run was told to stop.
const DecisionCancel = "cancel"

// Record is the resolved store identity of the current run plus any pending
// cancellation decision.
type Record struct {
	Key         string `json:"key"`
	CommittedAt int64  `json:"committed_at"`
	WorkflowID  string `json:"workflow_id"`
	Decision    string `json:"decision,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CancelPending reports whether a cancel decision is waiting for enforcement.
func (r *Record) CancelPending() bool {
	return r != nil && r.Decision == DecisionCancel
}

// Area is a directory holding one run's record, guarded by an advisory lock.
type Area struct {
	dir  string
	lock *flock.Flock
}

// New returns an Area rooted at dir. The directory is created on first write.
func New(dir string) *Area {
	return &Area{dir: dir, lock: flock.New(filepath.Join(dir, lockFile))}
}

// Dir returns the scratch directory.
func (a *Area) Dir() string {
	return a.dir
}

// Load returns the stored record, or nil when none has been written.
func (a *Area) Load(ctx context.Context) (*Record, error) {
	var rec *Record
	err := a.withLock(ctx, func() error {
		var err error
		rec, err = a.read()
		return err
	})
	return rec, err
}

// Save replaces the stored record.
func (a *Area) Save(ctx context.Context, rec Record) error {
	return a.withLock(ctx, func() error {
		return a.write(&rec)
	})
}

// Update loads the record, applies fn, and writes the result. fn is not called
// when no record exists.
func (a *Area) Update(ctx context.Context, fn func(*Record) error) error {
	return a.withLock(ctx, func() error {
		rec, err := a.read()
		if err != nil || rec == nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		return a.write(rec)
	})
}

// Clear removes the stored record.
func (a *Area) Clear(ctx context.Context) error {
	return a.withLock(ctx, func() error {
		err := os.Remove(a.path())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove scratch record: %w", err)
		}
		return nil
	})
}

func (a *Area) path() string {
	return filepath.Join(a.dir, recordFile)
}

func (a *Area) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	locked, err := a.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock scratch dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock scratch dir: %s is busy", a.dir)
	}
	defer func() { _ = a.lock.Unlock() }()
	return fn()
}

func (a *Area) read() (*Record, error) {
	data, err := os.ReadFile(a.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scratch record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode scratch record: %w", err)
	}
	return &rec, nil
}

func (a *Area) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode scratch record: %w", err)
	}
	tmp, err := os.CreateTemp(a.dir, recordFile+".*")
	if err != nil {
		return fmt.Errorf("create scratch temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write scratch record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close scratch record: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.path()); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace scratch record: %w", err)
	}
	return nil
}

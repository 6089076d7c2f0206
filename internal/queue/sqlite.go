package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteBackend = "sqlite store"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const visibleClause = "(expires_at = 0 OR expires_at > ?)"

// SQLiteStore persists entries in a local SQLite database. It suits runners
// that share a filesystem.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens or creates the database at path and verifies the schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	ctx = ensureContext(ctx)
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, storeErr(sqliteBackend, "open", errors.New("database path is empty"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storeErr(sqliteBackend, "open", fmt.Errorf("create database directory: %w", err))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeErr(sqliteBackend, "open", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, storeErr(sqliteBackend, "open", fmt.Errorf("apply pragma %q: %w", pragma, execErr))
		}
	}

	o := buildOptions(opts)
	store := &SQLiteStore{db: db, path: path, now: o.now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, storeErr(sqliteBackend, "open", err)
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	args, err := entryArgs(entry)
	if err != nil {
		return storeErr(sqliteBackend, "put", err)
	}
	now := s.now().Unix()
	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE partition_key = ? AND expires_at > 0 AND expires_at <= ?`,
			entry.Key, now,
		); err != nil {
			return fmt.Errorf("prune expired: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO queue_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args...,
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return storeErr(sqliteBackend, "put", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, key string, committedAt int64, status Status, fields Fields) error {
	ctx = ensureContext(ctx)
	var domainErr error
	err := retryOnBusy(ctx, func() error {
		domainErr = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries WHERE partition_key = ? AND committed_at = ? AND `+visibleClause,
			key, committedAt, s.now().Unix(),
		)
		entry, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			domainErr = notFound(sqliteBackend, key, committedAt)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load entry: %w", err)
		}
		if err := applyUpdate(entry, status, fields); err != nil {
			domainErr = err
			return nil
		}
		state, err := encodeState(entry.State)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, acquired_at = ?, released_at = ?, state_json = ?
             WHERE partition_key = ? AND committed_at = ?`,
			string(entry.Status),
			nullableInt64(entry.AcquiredAt),
			nullableInt64(entry.ReleasedAt),
			state,
			key,
			committedAt,
		); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return storeErr(sqliteBackend, "update status", err)
	}
	return domainErr
}

func (s *SQLiteStore) QueryByPartition(ctx context.Context, key string, statuses []Status, limit int) ([]*Entry, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE partition_key = ? AND ` + visibleClause
	args := []any{key, s.now().Unix()}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY committed_at ASC, workflow_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, storeErr(sqliteBackend, "query by partition", err)
	}
	return entries, nil
}

func (s *SQLiteStore) QueryByWorkflowID(ctx context.Context, key, workflowID string) (*Entry, error) {
	ctx = ensureContext(ctx)
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE partition_key = ? AND workflow_id = ? AND `+visibleClause,
		key, workflowID, s.now().Unix(),
	)
	if err != nil {
		return nil, storeErr(sqliteBackend, "query by workflow id", err)
	}
	return singleWorkflowMatch(sqliteBackend, key, workflowID, entries)
}

func (s *SQLiteStore) QueryByCommit(ctx context.Context, key, commit string) ([]*Entry, error) {
	ctx = ensureContext(ctx)
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE partition_key = ? AND commit_sha = ? AND `+visibleClause+`
         ORDER BY committed_at ASC, workflow_id ASC`,
		key, commit, s.now().Unix(),
	)
	if err != nil {
		return nil, storeErr(sqliteBackend, "query by commit", err)
	}
	return entries, nil
}

func (s *SQLiteStore) ScanCount(ctx context.Context, key string) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM queue_entries WHERE partition_key = ? AND `+visibleClause,
			key, s.now().Unix(),
		).Scan(&count)
	})
	if err != nil {
		return 0, storeErr(sqliteBackend, "scan count", err)
	}
	return count, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	var entries []*Entry
	err := retryOnBusy(ctx, func() error {
		entries = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

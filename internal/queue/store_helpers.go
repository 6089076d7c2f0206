package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const entryColumns = "partition_key, committed_at, created_at, expires_at, acquired_at, released_at, build_num, commit_sha, branch, username, workflow_id, status, state_json"

// scanEntry reads one row in entryColumns order. Both database/sql rows and
// pgx rows satisfy the scanner.
func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		entry      Entry
		acquiredAt sql.NullInt64
		releasedAt sql.NullInt64
		branch     sql.NullString
		statusStr  string
		stateJSON  sql.NullString
	)
	if err := scanner.Scan(
		&entry.Key,
		&entry.CommittedAt,
		&entry.CreatedAt,
		&entry.ExpiresAt,
		&acquiredAt,
		&releasedAt,
		&entry.BuildNum,
		&entry.Commit,
		&branch,
		&entry.Username,
		&entry.WorkflowID,
		&statusStr,
		&stateJSON,
	); err != nil {
		return nil, err
	}
	entry.Status = Status(statusStr)
	entry.Branch = branch.String
	if acquiredAt.Valid {
		entry.AcquiredAt = Int64Ptr(acquiredAt.Int64)
	}
	if releasedAt.Valid {
		entry.ReleasedAt = Int64Ptr(releasedAt.Int64)
	}
	state, err := decodeState(stateJSON.String)
	if err != nil {
		return nil, err
	}
	entry.State = state
	return &entry, nil
}

// entryArgs returns the column values in entryColumns order.
func entryArgs(entry *Entry) ([]any, error) {
	state, err := encodeState(entry.State)
	if err != nil {
		return nil, err
	}
	return []any{
		entry.Key,
		entry.CommittedAt,
		entry.CreatedAt,
		entry.ExpiresAt,
		nullableInt64(entry.AcquiredAt),
		nullableInt64(entry.ReleasedAt),
		entry.BuildNum,
		entry.Commit,
		nullableString(entry.Branch),
		entry.Username,
		entry.WorkflowID,
		string(entry.Status),
		state,
	}, nil
}

func encodeState(state map[string]string) (any, error) {
	if len(state) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

func decodeState(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var state map[string]string
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return cloneState(state), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

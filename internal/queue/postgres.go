package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresBackend = "postgres store"

// PostgresStore persists entries in a shared PostgreSQL table. Status updates
// lock the row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// OpenPostgres connects to dsn and creates the table when it is missing.
func OpenPostgres(ctx context.Context, dsn, table string, opts ...Option) (*PostgresStore, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(dsn) == "" {
		return nil, storeErr(postgresBackend, "open", errors.New("postgres dsn is empty"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeErr(postgresBackend, "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr(postgresBackend, "open", fmt.Errorf("ping: %w", err))
	}
	store, err := NewPostgresStore(ctx, pool, table, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool and ensures the schema exists. The
// store owns the pool and closes it.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string, opts ...Option) (*PostgresStore, error) {
	if strings.TrimSpace(table) == "" {
		table = "workflow_queue"
	}
	o := buildOptions(opts)
	store := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		now:   o.now,
	}
	if err := store.ensureSchema(ensureContext(ctx)); err != nil {
		return nil, storeErr(postgresBackend, "open", err)
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
        partition_key TEXT NOT NULL,
        committed_at BIGINT NOT NULL,
        created_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL DEFAULT 0,
        acquired_at BIGINT,
        released_at BIGINT,
        build_num BIGINT NOT NULL DEFAULT 0,
        commit_sha TEXT NOT NULL,
        branch TEXT,
        username TEXT NOT NULL DEFAULT '',
        workflow_id TEXT NOT NULL,
        status TEXT NOT NULL,
        state_json TEXT,
        PRIMARY KEY (partition_key, committed_at)
    )`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	index := strings.Trim(s.table, `"`)
	if _, err := s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS `+pgx.Identifier{index + "_workflow_idx"}.Sanitize()+
			` ON `+s.table+` (partition_key, workflow_id)`,
	); err != nil {
		return fmt.Errorf("create workflow index: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS `+pgx.Identifier{index + "_commit_idx"}.Sanitize()+
			` ON `+s.table+` (partition_key, commit_sha)`,
	); err != nil {
		return fmt.Errorf("create commit index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	args, err := entryArgs(entry)
	if err != nil {
		return storeErr(postgresBackend, "put", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(postgresBackend, "put", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE partition_key = $1 AND expires_at > 0 AND expires_at <= $2`,
		entry.Key, s.now().Unix(),
	); err != nil {
		return storeErr(postgresBackend, "put", fmt.Errorf("prune expired: %w", err))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table+` (`+entryColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
         ON CONFLICT (partition_key, committed_at) DO UPDATE SET
             created_at = EXCLUDED.created_at,
             expires_at = EXCLUDED.expires_at,
             acquired_at = EXCLUDED.acquired_at,
             released_at = EXCLUDED.released_at,
             build_num = EXCLUDED.build_num,
             commit_sha = EXCLUDED.commit_sha,
             branch = EXCLUDED.branch,
             username = EXCLUDED.username,
             workflow_id = EXCLUDED.workflow_id,
             status = EXCLUDED.status,
             state_json = EXCLUDED.state_json`,
		args...,
	); err != nil {
		return storeErr(postgresBackend, "put", fmt.Errorf("upsert entry: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(postgresBackend, "put", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, key string, committedAt int64, status Status, fields Fields) error {
	ctx = ensureContext(ctx)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(postgresBackend, "update status", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM `+s.table+`
         WHERE partition_key = $1 AND committed_at = $2 AND (expires_at = 0 OR expires_at > $3)
         FOR UPDATE`,
		key, committedAt, s.now().Unix(),
	)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(postgresBackend, key, committedAt)
	}
	if err != nil {
		return storeErr(postgresBackend, "update status", err)
	}
	if err := applyUpdate(entry, status, fields); err != nil {
		return err
	}
	state, err := encodeState(entry.State)
	if err != nil {
		return storeErr(postgresBackend, "update status", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table+` SET status = $1, acquired_at = $2, released_at = $3, state_json = $4
         WHERE partition_key = $5 AND committed_at = $6`,
		string(entry.Status),
		nullableInt64(entry.AcquiredAt),
		nullableInt64(entry.ReleasedAt),
		state,
		key,
		committedAt,
	); err != nil {
		return storeErr(postgresBackend, "update status", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(postgresBackend, "update status", err)
	}
	return nil
}

func (s *PostgresStore) QueryByPartition(ctx context.Context, key string, statuses []Status, limit int) ([]*Entry, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + entryColumns + ` FROM ` + s.table + `
        WHERE partition_key = $1 AND (expires_at = 0 OR expires_at > $2)`
	args := []any{key, s.now().Unix()}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, status := range statuses {
			names[i] = string(status)
		}
		args = append(args, names)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY committed_at ASC, workflow_id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, storeErr(postgresBackend, "query by partition", err)
	}
	return entries, nil
}

func (s *PostgresStore) QueryByWorkflowID(ctx context.Context, key, workflowID string) (*Entry, error) {
	entries, err := s.queryEntries(ensureContext(ctx),
		`SELECT `+entryColumns+` FROM `+s.table+`
         WHERE partition_key = $1 AND workflow_id = $2 AND (expires_at = 0 OR expires_at > $3)`,
		key, workflowID, s.now().Unix(),
	)
	if err != nil {
		return nil, storeErr(postgresBackend, "query by workflow id", err)
	}
	return singleWorkflowMatch(postgresBackend, key, workflowID, entries)
}

func (s *PostgresStore) QueryByCommit(ctx context.Context, key, commit string) ([]*Entry, error) {
	entries, err := s.queryEntries(ensureContext(ctx),
		`SELECT `+entryColumns+` FROM `+s.table+`
         WHERE partition_key = $1 AND commit_sha = $2 AND (expires_at = 0 OR expires_at > $3)
         ORDER BY committed_at ASC, workflow_id ASC`,
		key, commit, s.now().Unix(),
	)
	if err != nil {
		return nil, storeErr(postgresBackend, "query by commit", err)
	}
	return entries, nil
}

func (s *PostgresStore) ScanCount(ctx context.Context, key string) (int, error) {
	var count int
	err := s.pool.QueryRow(ensureContext(ctx),
		`SELECT COUNT(1) FROM `+s.table+` WHERE partition_key = $1 AND (expires_at = 0 OR expires_at > $2)`,
		key, s.now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, storeErr(postgresBackend, "scan count", err)
	}
	return count, nil
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

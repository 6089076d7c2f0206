package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisBackend = "redis store"

const redisWatchRetries = 5

// RedisOptions configures the connection used by OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each entry as a JSON string and orders partitions with a
// sorted set scored by commit time. Runners on different hosts can share it.
//
// Keys:
//
//	<prefix>:entry:<partition>:<committed_at>  JSON entry with a TTL matching ExpiresAt
//	<prefix>:partition:<partition>             ZSET of committed_at members
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// OpenRedis dials the server and verifies it answers a PING.
func OpenRedis(ctx context.Context, cfg RedisOptions, opts ...Option) (*RedisStore, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, storeErr(redisBackend, "open", errors.New("redis address is empty"))
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeErr(redisBackend, "open", fmt.Errorf("connect redis %s: %w", cfg.Addr, err))
	}
	return NewRedisStore(client, cfg.Prefix, opts...), nil
}

// NewRedisStore wraps an existing client. The store owns the client and closes it.
func NewRedisStore(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "wfq"
	}
	return &RedisStore{client: client, prefix: prefix, now: o.now}
}

func (s *RedisStore) entryKey(key string, committedAt int64) string {
	return s.prefix + ":entry:" + key + ":" + strconv.FormatInt(committedAt, 10)
}

func (s *RedisStore) partitionKey(key string) string {
	return s.prefix + ":partition:" + key
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	payload, err := json.Marshal(entry)
	if err != nil {
		return storeErr(redisBackend, "put", fmt.Errorf("encode entry: %w", err))
	}
	ttl := s.ttlFor(entry)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.Key, entry.CommittedAt), payload, ttl)
		pipe.ZAdd(ctx, s.partitionKey(entry.Key), redis.Z{
			Score:  float64(entry.CommittedAt),
			Member: strconv.FormatInt(entry.CommittedAt, 10),
		})
		return nil
	})
	if err != nil {
		return storeErr(redisBackend, "put", err)
	}
	return nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, key string, committedAt int64, status Status, fields Fields) error {
	ctx = ensureContext(ctx)
	entryKey := s.entryKey(key, committedAt)
	var domainErr error
	txf := func(tx *redis.Tx) error {
		domainErr = nil
		raw, err := tx.Get(ctx, entryKey).Bytes()
		if errors.Is(err, redis.Nil) {
			domainErr = notFound(redisBackend, key, committedAt)
			return nil
		}
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		if entry.Expired(s.now()) {
			domainErr = notFound(redisBackend, key, committedAt)
			return nil
		}
		if err := applyUpdate(&entry, status, fields); err != nil {
			domainErr = err
			return nil
		}
		payload, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, entryKey, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < redisWatchRetries; attempt++ {
		err = s.client.Watch(ctx, txf, entryKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return storeErr(redisBackend, "update status", err)
	}
	return domainErr
}

func (s *RedisStore) QueryByPartition(ctx context.Context, key string, statuses []Status, limit int) ([]*Entry, error) {
	entries, err := s.loadPartition(ensureContext(ctx), key)
	if err != nil {
		return nil, storeErr(redisBackend, "query by partition", err)
	}
	return selectEntries(entries, statuses, limit), nil
}

func (s *RedisStore) QueryByWorkflowID(ctx context.Context, key, workflowID string) (*Entry, error) {
	entries, err := s.loadPartition(ensureContext(ctx), key)
	if err != nil {
		return nil, storeErr(redisBackend, "query by workflow id", err)
	}
	var matches []*Entry
	for _, e := range entries {
		if e.WorkflowID == workflowID {
			matches = append(matches, e)
		}
	}
	return singleWorkflowMatch(redisBackend, key, workflowID, matches)
}

func (s *RedisStore) QueryByCommit(ctx context.Context, key, commit string) ([]*Entry, error) {
	entries, err := s.loadPartition(ensureContext(ctx), key)
	if err != nil {
		return nil, storeErr(redisBackend, "query by commit", err)
	}
	var matches []*Entry
	for _, e := range entries {
		if e.Commit == commit {
			matches = append(matches, e)
		}
	}
	return selectEntries(matches, nil, 0), nil
}

func (s *RedisStore) ScanCount(ctx context.Context, key string) (int, error) {
	entries, err := s.loadPartition(ensureContext(ctx), key)
	if err != nil {
		return 0, storeErr(redisBackend, "scan count", err)
	}
	return len(entries), nil
}

// loadPartition returns every visible entry in the partition and drops sorted
// set members whose entry key has already expired.
func (s *RedisStore) loadPartition(ctx context.Context, key string) ([]*Entry, error) {
	partitionKey := s.partitionKey(key)
	members, err := s.client.ZRange(ctx, partitionKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, member := range members {
		committedAt, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse partition member %q: %w", member, err)
		}
		keys[i] = s.entryKey(key, committedAt)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	now := s.now()
	entries := make([]*Entry, 0, len(values))
	var stale []string
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", keys[i], err)
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, &entry)
	}
	if len(stale) > 0 {
		if err := s.pruneStale(ctx, key, stale); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// pruneStale drops partition members whose entry key has expired. Each removal
// watches the entry key and re-checks it, so a member re-added by a concurrent
// Put at the same commit time stays in the index.
func (s *RedisStore) pruneStale(ctx context.Context, key string, members []string) error {
	partitionKey := s.partitionKey(key)
	for _, member := range members {
		committedAt, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return fmt.Errorf("parse partition member %q: %w", member, err)
		}
		entryKey := s.entryKey(key, committedAt)
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, entryKey).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, partitionKey, member)
				return nil
			})
			return err
		}, entryKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ttlFor converts ExpiresAt into a relative TTL using the store clock so the
// server expiry agrees with read-side filtering.
func (s *RedisStore) ttlFor(entry *Entry) time.Duration {
	if entry.ExpiresAt == 0 {
		return 0
	}
	remaining := time.Duration(entry.ExpiresAt-s.now().Unix()) * time.Second
	if remaining <= 0 {
		return time.Second
	}
	return remaining
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// RedisConfig addresses a Redis-backed queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string // key prefix, e.g. "timetruth:queue"
}

// RedisStore is a Queue kept in one Redis hash.
//
// Records live in the hash <key>:records keyed by id, as the JSON row.
// The seq counter is <key>:seq (INCR), so ordering survives process restarts
// and is shared by every client of the same key.
// Read-modify-write operations use WATCH/MULTI and retry on conflict.
type RedisStore struct {
	client  redis.UniversalClient
	records string
	seqKey  string
	opts    options
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, persistenceFailure("connect", "", fmt.Errorf("redis %s: %w", cfg.Addr, err))
	}
	return NewRedisStore(client, cfg.Key, opts...), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, key string, opts ...Option) *RedisStore {
	if key == "" {
		key = "timetruth:queue"
	}
	return &RedisStore{
		client:  client,
		records: key + ":records",
		seqKey:  key + ":seq",
		opts:    buildOptions(opts),
	}
}

func (s *RedisStore) Enqueue(ctx context.Context, item Item) (Record, error) {
	seq, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return Record{}, persistenceFailure("enqueue", "", err)
	}
	r, err := newRow(item, s.opts.ids.Generate(), seq, s.opts.now())
	if err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	ok, err := s.client.HSetNX(ctx, s.records, r.ID, data).Result()
	if err != nil {
		return Record{}, persistenceFailure("enqueue", r.ID, err)
	}
	if !ok {
		return Record{}, persistenceFailure("enqueue", r.ID, errors.New("duplicate record id"))
	}
	return r.record()
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	return s.mutate(ctx, "update", id, func(r *row) error {
		return applyPatch(r, patch, s.opts.now())
	})
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, id string) (Record, error) {
	return s.mutate(ctx, "increment attempts", id, func(r *row) error {
		markAttempt(r, s.opts.now())
		return nil
	})
}

// mutate performs an optimistic read-modify-write of one record.
func (s *RedisStore) mutate(ctx context.Context, op, id string, fn func(*row) error) (Record, error) {
	var out row
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, s.records, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(op, id)
		}
		if err != nil {
			return err
		}
		var r row
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode record %s: %w", id, err)
		}
		if err := fn(&r); err != nil {
			return err
		}
		encoded, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.records, id, encoded)
			return nil
		})
		if err == nil {
			out = r
		}
		return err
	}

	if err := s.watch(ctx, txf); err != nil {
		return Record{}, classify(op, id, err)
	}
	return out.record()
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, s.records, id).Result()
	if err != nil {
		return persistenceFailure("remove", id, err)
	}
	if n == 0 {
		return notFound("remove", id)
	}
	return nil
}

func (s *RedisStore) RemoveRevision(ctx context.Context, id string, revision int64) (bool, error) {
	removed := false
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, s.records, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound("remove revision", id)
		}
		if err != nil {
			return err
		}
		var r row
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode record %s: %w", id, err)
		}
		if r.Revision != revision {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, s.records, id)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}

	if err := s.watch(ctx, txf); err != nil {
		return false, classify("remove revision", id, err)
	}
	return removed, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.client.HGet(ctx, s.records, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, notFound("get", id)
	}
	if err != nil {
		return Record{}, persistenceFailure("get", id, err)
	}
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r.record()
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.all(ctx, s.client)
	if err != nil {
		return nil, classify("list", "", err)
	}
	return sortedRecords(rows, limit)
}

func (s *RedisStore) RemoveFailed(ctx context.Context) (int, error) {
	purged := 0
	txf := func(tx *redis.Tx) error {
		rows, err := s.all(ctx, tx)
		if err != nil {
			return err
		}
		var ids []string
		for _, r := range rows {
			if r.failed() {
				ids = append(ids, r.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, s.records, ids...)
			return nil
		})
		if err == nil {
			purged = len(ids)
		}
		return err
	}

	if err := s.watch(ctx, txf); err != nil {
		return 0, classify("remove failed", "", err)
	}
	return purged, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.all(ctx, s.client)
	if err != nil {
		return Stats{}, classify("stats", "", err)
	}
	return collectStats(rows), nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// watch runs txf under WATCH on the records hash, retrying on conflict.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.records)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction aborted after %d retries: %w", maxTxRetries, redis.TxFailedErr)
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// all reads and decodes every record.
func (s *RedisStore) all(ctx context.Context, c hashReader) ([]row, error) {
	raw, err := c.HGetAll(ctx, s.records).Result()
	if err != nil {
		return nil, err
	}
	rows := make([]row, 0, len(raw))
	for id, data := range raw {
		var r row
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// classify passes queue errors through and wraps anything else as a
// persistence failure.
func classify(op, id string, err error) error {
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	if errors.Is(err, ErrKindMismatch) {
		return err
	}
	return persistenceFailure(op, id, err)
}

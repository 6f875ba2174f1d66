package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "mdsync:outbox:"
	maxTxRetries       = 5
)

// RedisQueue keeps entries in a hash keyed by document id, ordered by a sorted set
// scored with the enqueue time.
type RedisQueue struct {
	client   *redis.Client
	entryKey string
	orderKey string
	now      func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to the redis server named by redisURL.
func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisQueueWithClient(client, defaultRedisPrefix), nil
}

// NewRedisQueueWithClient creates a queue from an existing client.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisQueue{
		client:   client,
		entryKey: prefix + "entries",
		orderKey: prefix + "order",
		now:      time.Now,
	}
}

// Enqueue records a change.
func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) error {
	e, err := prepare(e, q.now())
	if err != nil {
		return err
	}

	return q.update(ctx, e.DocumentID, func(existing *Entry) (*Entry, error) {
		merged := Coalesce(existing, e)
		return &merged, nil
	})
}

// List returns all entries, oldest first.
func (q *RedisQueue) List(ctx context.Context) ([]Entry, error) {
	ids, err := q.client.ZRange(ctx, q.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.client.HMGet(ctx, q.entryKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load outbox entries: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Removed between the two reads.
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal outbox entry: %w", err)
		}
		entries = append(entries, e)
	}

	sortEntries(entries)
	return entries, nil
}

// Get returns the entry of a document.
func (q *RedisQueue) Get(ctx context.Context, documentID string) (Entry, error) {
	e, err := q.load(ctx, q.client, documentID)
	if err != nil {
		return Entry{}, err
	}
	if e == nil {
		return Entry{}, notQueued(documentID)
	}
	return *e, nil
}

// Remove drops the entry of a document.
func (q *RedisQueue) Remove(ctx context.Context, documentID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.entryKey, documentID)
		pipe.ZRem(ctx, q.orderKey, documentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove outbox entry: %w", err)
	}
	return nil
}

// RecordFailure increments the attempt counter of an entry.
func (q *RedisQueue) RecordFailure(ctx context.Context, documentID string, cause error) error {
	return q.update(ctx, documentID, func(existing *Entry) (*Entry, error) {
		if existing == nil {
			return nil, notQueued(documentID)
		}
		e := *existing
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		return &e, nil
	})
}

// Len returns the number of queued entries.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.entryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return int(n), nil
}

// Ping checks the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// update runs a read-modify-write of one entry under WATCH, retrying when another
// client changed the entry in between.
func (q *RedisQueue) update(ctx context.Context, documentID string, fn func(*Entry) (*Entry, error)) error {
	txf := func(tx *redis.Tx) error {
		existing, err := q.load(ctx, tx, documentID)
		if err != nil {
			return err
		}
		next, err := fn(existing)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal outbox entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.entryKey, documentID, data)
			pipe.ZAdd(ctx, q.orderKey, redis.Z{
				Score:  float64(next.EnqueuedAt.UnixMilli()),
				Member: documentID,
			})
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := q.client.Watch(ctx, txf, q.entryKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update outbox entry %s: %w", documentID, redis.TxFailedErr)
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (q *RedisQueue) load(ctx context.Context, c hashGetter, documentID string) (*Entry, error) {
	raw, err := c.HGet(ctx, q.entryKey, documentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // absent entry
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("unmarshal outbox entry %s: %w", documentID, err)
	}
	return &e, nil
}

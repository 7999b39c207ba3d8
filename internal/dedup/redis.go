package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per message and a sorted set of message ids
// scored by receipt time, used for retention.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithClock overrides the clock used for receipt and processing times.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store whose keys start with prefix.
func NewRedisStore(client *redis.Client, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":msg:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":received"
}

func (s *RedisStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	ids = uniqueInOrder(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.key(id), "processed_at")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("filter unseen: %w", err)
	}

	unseen := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if v, err := cmd.Result(); err != nil || v == "" {
			unseen = append(unseen, ids[i])
		}
	}
	return unseen, nil
}

func (s *RedisStore) RecordSeen(ctx context.Context, id string, payload []byte, attributes map[string]string) error {
	attrs, err := json.Marshal(nonNilAttrs(attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	now := s.now()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.key(id)
		pipe.HSetNX(ctx, key, "data", string(payload))
		pipe.HSetNX(ctx, key, "attributes", string(attrs))
		pipe.HSetNX(ctx, key, "received_at", now.Format(time.RFC3339Nano))
		pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: score(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record seen %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, id string) error {
	now := s.now()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.key(id)
		pipe.HSetNX(ctx, key, "received_at", now.Format(time.RFC3339Nano))
		pipe.HSet(ctx, key, "processed_at", now.Format(time.RFC3339Nano))
		pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: score(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge incoming: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
		members[i] = id
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge incoming: %w", err)
	}
	return int64(len(ids)), nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

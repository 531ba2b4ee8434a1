package resync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisQueue.
const DefaultRedisPrefix = "offline:resync"

// RedisQueue persists mutations in Redis so they survive restarts.
//
// Layout:
//
//	<prefix>:pending     LIST of ids, oldest first
//	<prefix>:dead        LIST of ids, oldest first
//	<prefix>:mutations   HASH id -> mutation JSON
type RedisQueue struct {
	redis  *redis.Client
	prefix string
}

// NewRedisQueue creates a queue backed by Redis.
func NewRedisQueue(redisClient *redis.Client, prefix string) *RedisQueue {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisQueue{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (q *RedisQueue) pendingKey() string  { return q.prefix + ":pending" }
func (q *RedisQueue) deadKey() string     { return q.prefix + ":dead" }
func (q *RedisQueue) mutationKey() string { return q.prefix + ":mutations" }

// Enqueue stores the mutation and appends its id atomically.
func (q *RedisQueue) Enqueue(ctx context.Context, m *PendingMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.HSet(ctx, q.mutationKey(), m.ID, data)
	pipe.RPush(ctx, q.pendingKey(), m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue mutation in redis: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context) ([]*PendingMutation, error) {
	return q.list(ctx, q.pendingKey())
}

func (q *RedisQueue) Dead(ctx context.Context) ([]*PendingMutation, error) {
	return q.list(ctx, q.deadKey())
}

func (q *RedisQueue) list(ctx context.Context, listKey string) ([]*PendingMutation, error) {
	ids, err := q.redis.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.redis.HMGet(ctx, q.mutationKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	out := make([]*PendingMutation, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// id without payload: removed concurrently
			continue
		}
		var m PendingMutation
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("parse mutation %s: %w", ids[i], err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// Ack removes the id and its payload atomically.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.redis.TxPipeline()
	removed := pipe.LRem(ctx, q.pendingKey(), 1, id)
	pipe.HDel(ctx, q.mutationKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack mutation in redis: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, id string, reason string) (*PendingMutation, error) {
	if err := q.requirePending(ctx, id); err != nil {
		return nil, err
	}
	m, err := q.get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Attempts++
	m.LastError = reason

	if err := q.put(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Bury moves the id from the pending to the dead list atomically.
func (q *RedisQueue) Bury(ctx context.Context, id string, reason string) error {
	if err := q.requirePending(ctx, id); err != nil {
		return err
	}
	m, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	m.LastError = reason
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.LRem(ctx, q.pendingKey(), 1, id)
	pipe.RPush(ctx, q.deadKey(), id)
	pipe.HSet(ctx, q.mutationKey(), id, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bury mutation in redis: %w", err)
	}
	return nil
}

// Requeue moves the id from the dead to the pending list atomically.
func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	if err := q.redis.LPos(ctx, q.deadKey(), id, redis.LPosArgs{}).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis lpos: %w", err)
	}

	m, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	m.Attempts = 0
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.LRem(ctx, q.deadKey(), 1, id)
	pipe.RPush(ctx, q.pendingKey(), id)
	pipe.HSet(ctx, q.mutationKey(), id, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue mutation in redis: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.redis.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) requirePending(ctx context.Context, id string) error {
	err := q.redis.LPos(ctx, q.pendingKey(), id, redis.LPosArgs{}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis lpos: %w", err)
	}
	return nil
}

func (q *RedisQueue) get(ctx context.Context, id string) (*PendingMutation, error) {
	data, err := q.redis.HGet(ctx, q.mutationKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var m PendingMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mutation %s: %w", id, err)
	}
	return &m, nil
}

func (q *RedisQueue) put(ctx context.Context, m *PendingMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	if err := q.redis.HSet(ctx, q.mutationKey(), m.ID, data).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

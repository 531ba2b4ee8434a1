package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "offline"

// RedisStore keeps each partition in one Redis hash (field = key string,
// value = JSON entry) and tracks partition names in a set.
//
// Layout:
//
//	<prefix>:partitions          SET  of partition names
//	<prefix>:partition:<name>    HASH key -> entry JSON
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":partitions"
}

func (s *RedisStore) hashKey(name string) string {
	return s.prefix + ":partition:" + name
}

// Open registers the partition name and returns a handle.
func (s *RedisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := s.redis.SAdd(ctx, s.indexKey(), name).Err(); err != nil {
		return nil, storeErr("open", name, fmt.Errorf("redis sadd: %w", err))
	}
	return &redisPartition{store: s, name: name}, nil
}

// Partitions lists registered partition names in sorted order.
func (s *RedisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, storeErr("list", "", fmt.Errorf("redis smembers: %w", err))
	}
	sort.Strings(names)
	return names, nil
}

// DeletePartition removes the partition hash and its index entry atomically.
func (s *RedisStore) DeletePartition(ctx context.Context, name string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, s.hashKey(name))
	pipe.SRem(ctx, s.indexKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("drop", name, fmt.Errorf("redis del: %w", err))
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

type redisPartition struct {
	store *RedisStore
	name  string
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := p.store.redis.HGet(ctx, p.store.hashKey(p.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			recordMiss(p.name)
			return nil, ErrNotFound
		}
		return nil, storeErr("get", p.name, fmt.Errorf("redis hget: %w", err))
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, storeErr("get", p.name, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}

	recordHit(p.name)
	return &entry, nil
}

func (p *redisPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return storeErr("put", p.name, fmt.Errorf("marshal entry: %w", err))
	}

	pipe := p.store.redis.TxPipeline()
	pipe.SAdd(ctx, p.store.indexKey(), p.name)
	pipe.HSet(ctx, p.store.hashKey(p.name), key.String(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("put", p.name, fmt.Errorf("redis hset: %w", err))
	}

	recordWrite(p.name)
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key Key) error {
	if err := p.store.redis.HDel(ctx, p.store.hashKey(p.name), key.String()).Err(); err != nil {
		return storeErr("delete", p.name, fmt.Errorf("redis hdel: %w", err))
	}
	return nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]Key, error) {
	fields, err := p.store.redis.HKeys(ctx, p.store.hashKey(p.name)).Result()
	if err != nil {
		return nil, storeErr("keys", p.name, fmt.Errorf("redis hkeys: %w", err))
	}

	sort.Strings(fields)
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		k, err := ParseKey(f)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

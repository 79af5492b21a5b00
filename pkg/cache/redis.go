package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "offline"

// maxWatchAttempts bounds optimistic retries when the registry changes
// under a write.
const maxWatchAttempts = 3

// RedisStore keeps each generation in a Redis hash and tracks generation
// names in a set.
//
// Layout:
//
//	<prefix>:generations     SET  of generation names
//	<prefix>:gen:<name>      HASH request key -> JSON entry
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store on top of an existing Redis client.
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

func (s *RedisStore) registryKey() string {
	return s.prefix + ":generations"
}

func (s *RedisStore) generationKey(name string) string {
	return s.prefix + ":gen:" + name
}

// Open registers the generation name and returns its handle.
func (s *RedisStore) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		CacheErrors.WithLabelValues(backendRedis, "open").Inc()
		return nil, fmt.Errorf("generation name cannot be empty")
	}
	if err := s.redis.SAdd(ctx, s.registryKey(), name).Err(); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisGeneration{store: s, name: name}, nil
}

// Lookup returns the generation handle if name is registered.
func (s *RedisStore) Lookup(ctx context.Context, name string) (Generation, error) {
	ok, err := s.redis.SIsMember(ctx, s.registryKey(), name).Result()
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "lookup").Inc()
		return nil, fmt.Errorf("redis sismember: %w", err)
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return &redisGeneration{store: s, name: name}, nil
}

// Keys lists every registered generation in sorted order.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "keys").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete drops the generation hash and its registry entry in one transaction.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(name))
		removed = pipe.SRem(ctx, s.registryKey(), name)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "delete").Inc()
		return fmt.Errorf("redis delete generation %s: %w", name, err)
	}
	if removed.Val() > 0 {
		GenerationsDeleted.WithLabelValues(backendRedis).Inc()
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

type redisGeneration struct {
	store *RedisStore
	name  string
}

func (g *redisGeneration) Name() string {
	return g.name
}

func (g *redisGeneration) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	return g.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (g *redisGeneration) PutAll(ctx context.Context, records []Record) error {
	fields := make([]any, 0, len(records)*2)
	for i, rec := range records {
		if rec.Entry == nil {
			CacheErrors.WithLabelValues(backendRedis, "put").Inc()
			return fmt.Errorf("record %d (%s): cache entry cannot be nil", i, rec.Key)
		}
		data, err := json.Marshal(rec.Entry)
		if err != nil {
			CacheErrors.WithLabelValues(backendRedis, "put").Inc()
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		fields = append(fields, rec.Key.String(), data)
	}
	if len(fields) == 0 {
		return nil
	}

	// The registry is watched so a concurrent Delete cannot leave an
	// orphaned hash behind.
	write := func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, g.store.registryKey(), g.name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrGenerationNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, g.store.generationKey(g.name), fields...)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err = g.store.redis.Watch(ctx, write, g.store.registryKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrGenerationNotFound) {
		return err
	}
	if err != nil {
		CacheErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}

	CachePuts.WithLabelValues(backendRedis).Add(float64(len(records)))
	return nil
}

func (g *redisGeneration) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	data, err := g.store.redis.HGet(ctx, g.store.generationKey(g.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(backendRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendRedis, "match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		CacheMisses.WithLabelValues(backendRedis).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendRedis).Inc()
	return &entry, nil
}

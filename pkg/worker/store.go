package worker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/offline-worker/pkg/cache"
	"github.com/Sternrassler/offline-worker/pkg/config"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
)

// OpenStore opens the cache store backend selected by cfg.
// The Redis backend is pinged before it is returned.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (cache.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return cache.NewMemoryStore(), nil

	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		store := cache.NewRedisStore(redisClient, cfg.Redis.Prefix)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return store, nil

	case config.BackendLevelDB:
		store, err := cache.OpenLevelDBStore(cfg.LevelDB.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb at %s: %w", cfg.LevelDB.Path, err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewFetcher builds the network client from cfg.
func NewFetcher(cfg config.FetchConfig) (*fetch.Client, error) {
	fetchCfg := fetch.DefaultConfig()
	fetchCfg.Timeout = cfg.Timeout
	fetchCfg.Retry.MaxAttempts = cfg.MaxAttempts
	if cfg.InitialBackoff > 0 {
		fetchCfg.Retry.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		fetchCfg.Retry.MaxBackoff = cfg.MaxBackoff
	}
	return fetch.New(fetchCfg)
}

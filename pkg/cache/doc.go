// Package cache provides the versioned cache store behind the offline worker.
//
// A store holds any number of named cache generations. Each generation maps a
// normalized request identity (method + URL) to an immutable response
// snapshot. Generations are created at install time, promoted at activation
// and deleted wholesale when a newer generation activates.
//
// # Backends
//
//   - MemoryStore: in-process maps, used by default and in tests
//   - RedisStore: one hash per generation plus a generation registry set
//   - LevelDBStore: prefixed keys in a local LevelDB database
//
// # Basic Usage
//
//	store := cache.NewMemoryStore()
//
//	gen, err := store.Open(ctx, "app-cache-v1")
//	if err != nil {
//		return err
//	}
//
//	key := cache.KeyFromRequest(req)
//	entry, err := gen.Match(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// go to the network
//	}
//
// # HTTP Response Snapshots
//
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	if err := gen.Put(ctx, key, entry); err != nil {
//		return err
//	}
//	resp = cache.EntryToResponse(entry)
//
// # Metrics
//
//   - offline_cache_hits_total{backend} - Cache hits
//   - offline_cache_misses_total{backend} - Cache misses
//   - offline_cache_puts_total{backend} - Entries written
//   - offline_cache_errors_total{backend,operation} - Store operation errors
//   - offline_cache_generations_deleted_total{backend} - Generations removed
package cache

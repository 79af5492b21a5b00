package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis connects to a local Redis on DB 15 and skips when none is
// running. tests/integration covers Redis through testcontainers.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
	})

	return client
}

type storeFactory func(t *testing.T) Store

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"leveldb": func(t *testing.T) Store {
			store, err := OpenLevelDBStore(filepath.Join(t.TempDir(), "cache"))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"redis": func(t *testing.T) Store {
			store := NewRedisStore(setupTestRedis(t), "test")
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func testEntry(body string) *Entry {
	return &Entry{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Data:       []byte(body),
		CachedAt:   time.Now(),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("open is idempotent", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				gen1, err := store.Open(ctx, "app-cache-v1")
				require.NoError(t, err)
				gen2, err := store.Open(ctx, "app-cache-v1")
				require.NoError(t, err)
				assert.Equal(t, "app-cache-v1", gen1.Name())
				assert.Equal(t, gen1.Name(), gen2.Name())

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"app-cache-v1"}, keys)
			})

			t.Run("open rejects empty name", func(t *testing.T) {
				store := newStore(t)
				_, err := store.Open(context.Background(), "")
				assert.Error(t, err)
			})

			t.Run("put then match", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				key := RequestKey{Method: "GET", URL: "https://app.example.com/api/data"}
				require.NoError(t, gen.Put(ctx, key, testEntry(`{"n": 1}`)))

				got, err := gen.Match(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, got.StatusCode)
				assert.Equal(t, `{"n": 1}`, string(got.Data))
				assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))
			})

			t.Run("put overwrites", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				key := RequestKey{Method: "GET", URL: "https://app.example.com/api/data"}
				require.NoError(t, gen.Put(ctx, key, testEntry("first")))
				require.NoError(t, gen.Put(ctx, key, testEntry("second")))

				got, err := gen.Match(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, "second", string(got.Data))
			})

			t.Run("match is exact", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				require.NoError(t, gen.Put(ctx, RequestKey{Method: "GET", URL: "https://app.example.com/api/data"}, testEntry("x")))

				for _, url := range []string{
					"https://app.example.com/api",
					"https://app.example.com/api/data?x=1",
					"https://app.example.com/api/data/more",
				} {
					_, err := gen.Match(ctx, RequestKey{Method: "GET", URL: url})
					assert.ErrorIs(t, err, ErrCacheMiss, url)
				}
			})

			t.Run("generations are isolated", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				v0, err := store.Open(ctx, "v0")
				require.NoError(t, err)
				v1, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				key := RequestKey{Method: "GET", URL: "https://app.example.com/"}
				require.NoError(t, v0.Put(ctx, key, testEntry("old")))

				_, err = v1.Match(ctx, key)
				assert.ErrorIs(t, err, ErrCacheMiss)
			})

			t.Run("put all", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				records := []Record{
					{Key: RequestKey{Method: "GET", URL: "https://app.example.com/"}, Entry: testEntry("root")},
					{Key: RequestKey{Method: "GET", URL: "https://app.example.com/offline.html"}, Entry: testEntry("offline")},
				}
				require.NoError(t, gen.PutAll(ctx, records))

				for _, rec := range records {
					got, err := gen.Match(ctx, rec.Key)
					require.NoError(t, err)
					assert.Equal(t, string(rec.Entry.Data), string(got.Data))
				}
			})

			t.Run("put all with nil entry writes nothing", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				good := RequestKey{Method: "GET", URL: "https://app.example.com/"}
				err = gen.PutAll(ctx, []Record{
					{Key: good, Entry: testEntry("root")},
					{Key: RequestKey{Method: "GET", URL: "https://app.example.com/x"}, Entry: nil},
				})
				require.Error(t, err)

				_, err = gen.Match(ctx, good)
				assert.ErrorIs(t, err, ErrCacheMiss)
			})

			t.Run("expired entries miss", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v1")
				require.NoError(t, err)

				key := RequestKey{Method: "GET", URL: "https://app.example.com/api/stale"}
				entry := testEntry("stale")
				entry.Expires = time.Now().Add(-time.Minute)
				require.NoError(t, gen.Put(ctx, key, entry))

				_, err = gen.Match(ctx, key)
				assert.ErrorIs(t, err, ErrCacheMiss)
			})

			t.Run("delete removes generation and entries", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v0")
				require.NoError(t, err)
				_, err = store.Open(ctx, "v1")
				require.NoError(t, err)

				key := RequestKey{Method: "GET", URL: "https://app.example.com/"}
				require.NoError(t, gen.Put(ctx, key, testEntry("old")))

				require.NoError(t, store.Delete(ctx, "v0"))

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"v1"}, keys)

				reopened, err := store.Open(ctx, "v0")
				require.NoError(t, err)
				_, err = reopened.Match(ctx, key)
				assert.ErrorIs(t, err, ErrCacheMiss)
			})

			t.Run("lookup never creates", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				_, err := store.Lookup(ctx, "v0")
				assert.ErrorIs(t, err, ErrGenerationNotFound)

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Empty(t, keys)

				_, err = store.Open(ctx, "v1")
				require.NoError(t, err)
				gen, err := store.Lookup(ctx, "v1")
				require.NoError(t, err)
				assert.Equal(t, "v1", gen.Name())
			})

			t.Run("put to deleted generation fails", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				gen, err := store.Open(ctx, "v0")
				require.NoError(t, err)
				require.NoError(t, store.Delete(ctx, "v0"))

				key := RequestKey{Method: "GET", URL: "https://app.example.com/"}
				assert.ErrorIs(t, gen.Put(ctx, key, testEntry("late")), ErrGenerationNotFound)
				assert.ErrorIs(t, gen.PutAll(ctx, []Record{{Key: key, Entry: testEntry("late")}}), ErrGenerationNotFound)

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Empty(t, keys)
				_, err = store.Lookup(ctx, "v0")
				assert.ErrorIs(t, err, ErrGenerationNotFound)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				assert.NoError(t, store.Delete(ctx, "missing"))
				assert.NoError(t, store.Delete(ctx, "missing"))
			})
		})
	}
}

func TestMemoryStore_MatchReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	gen, err := store.Open(ctx, "v1")
	require.NoError(t, err)

	key := RequestKey{Method: "GET", URL: "https://app.example.com/"}
	entry := testEntry("root")
	require.NoError(t, gen.Put(ctx, key, entry))

	// Mutating the caller's entry after Put must not change the snapshot
	entry.Data[0] = 'X'

	got, err := gen.Match(ctx, key)
	require.NoError(t, err)
	got.Headers.Set("Content-Type", "text/plain")

	again, err := gen.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "root", string(again.Data))
	assert.Equal(t, "application/json", again.Headers.Get("Content-Type"))
}

func TestLevelDBStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()
	key := RequestKey{Method: "GET", URL: "https://app.example.com/offline.html"}

	store, err := OpenLevelDBStore(path)
	require.NoError(t, err)
	gen, err := store.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, gen.Put(ctx, key, testEntry("offline")))
	require.NoError(t, store.Close())

	store, err = OpenLevelDBStore(path)
	require.NoError(t, err)
	defer store.Close()

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, keys)

	gen, err = store.Open(ctx, "v1")
	require.NoError(t, err)
	got, err := gen.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "offline", string(got.Data))
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, "")
}

func TestNewRedisStore_DefaultPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	store := NewRedisStore(client, "")
	if store.prefix != DefaultRedisPrefix {
		t.Errorf("prefix = %q, want %q", store.prefix, DefaultRedisPrefix)
	}
	if store.registryKey() != "offline:generations" {
		t.Errorf("registryKey() = %q", store.registryKey())
	}
	if store.generationKey("v1") != "offline:gen:v1" {
		t.Errorf("generationKey() = %q", store.generationKey("v1"))
	}
}

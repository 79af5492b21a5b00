package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const backendLevelDB = "leveldb"

// LevelDBStore persists generations in a local LevelDB database.
//
// Layout:
//
//	g:<name>              generation marker
//	e:<name>\x00<key>     gob-encoded Entry
type LevelDBStore struct {
	db *leveldb.DB

	// mu orders entry writes against Delete.
	mu sync.RWMutex
}

// OpenLevelDBStore opens (or creates) the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func markerKey(name string) []byte {
	return []byte("g:" + name)
}

func entryPrefix(name string) []byte {
	return []byte("e:" + name + "\x00")
}

func entryKey(name string, key RequestKey) []byte {
	return append(entryPrefix(name), key.String()...)
}

// Open writes the generation marker and returns its handle.
func (s *LevelDBStore) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		CacheErrors.WithLabelValues(backendLevelDB, "open").Inc()
		return nil, fmt.Errorf("generation name cannot be empty")
	}
	if err := s.db.Put(markerKey(name), nil, nil); err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "open").Inc()
		return nil, fmt.Errorf("leveldb put marker: %w", err)
	}
	return &levelDBGeneration{store: s, name: name}, nil
}

// Lookup returns the generation handle if its marker exists.
func (s *LevelDBStore) Lookup(ctx context.Context, name string) (Generation, error) {
	ok, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "lookup").Inc()
		return nil, fmt.Errorf("leveldb has marker: %w", err)
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return &levelDBGeneration{store: s, name: name}, nil
}

// Keys lists every generation marker in sorted order.
func (s *LevelDBStore) Keys(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte("g:"))))
	}
	if err := it.Error(); err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "keys").Inc()
		return nil, fmt.Errorf("leveldb iterate generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the marker and every entry of the generation in one batch.
func (s *LevelDBStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return fmt.Errorf("leveldb has marker: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))

	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return fmt.Errorf("leveldb iterate entries: %w", err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "delete").Inc()
		return fmt.Errorf("leveldb delete generation %s: %w", name, err)
	}
	if existed {
		GenerationsDeleted.WithLabelValues(backendLevelDB).Inc()
	}
	return nil
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type levelDBGeneration struct {
	store *LevelDBStore
	name  string
}

func (g *levelDBGeneration) Name() string {
	return g.name
}

func (g *levelDBGeneration) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	return g.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (g *levelDBGeneration) PutAll(ctx context.Context, records []Record) error {
	batch := new(leveldb.Batch)
	for i, rec := range records {
		if rec.Entry == nil {
			CacheErrors.WithLabelValues(backendLevelDB, "put").Inc()
			return fmt.Errorf("record %d (%s): cache entry cannot be nil", i, rec.Key)
		}
		b, err := encodeGob(rec.Entry)
		if err != nil {
			CacheErrors.WithLabelValues(backendLevelDB, "put").Inc()
			return fmt.Errorf("encode cache entry: %w", err)
		}
		batch.Put(entryKey(g.name, rec.Key), b)
	}

	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	ok, err := g.store.db.Has(markerKey(g.name), nil)
	if err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "put").Inc()
		return fmt.Errorf("leveldb has marker: %w", err)
	}
	if !ok {
		return ErrGenerationNotFound
	}
	if err := g.store.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "put").Inc()
		return fmt.Errorf("leveldb write: %w", err)
	}

	CachePuts.WithLabelValues(backendLevelDB).Add(float64(len(records)))
	return nil
}

func (g *levelDBGeneration) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	b, err := g.store.db.Get(entryKey(g.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			CacheMisses.WithLabelValues(backendLevelDB).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendLevelDB, "match").Inc()
		return nil, fmt.Errorf("leveldb get: %w", err)
	}

	var entry Entry
	if err := decodeGob(b, &entry); err != nil {
		CacheErrors.WithLabelValues(backendLevelDB, "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		CacheMisses.WithLabelValues(backendLevelDB).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendLevelDB).Inc()
	return &entry, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const backendMemory = "memory"

// MemoryStore is an in-process Store. Entries live only as long as the
// process.
type MemoryStore struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string]*memoryGeneration),
	}
}

// Open returns the generation called name, creating it if absent.
func (s *MemoryStore) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		CacheErrors.WithLabelValues(backendMemory, "open").Inc()
		return nil, fmt.Errorf("generation name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.generations[name]
	if !ok {
		gen = &memoryGeneration{name: name, entries: make(map[string]*Entry)}
		s.generations[name] = gen
	}
	return gen, nil
}

// Lookup returns the generation called name without creating it.
func (s *MemoryStore) Lookup(ctx context.Context, name string) (Generation, error) {
	s.mu.RLock()
	gen, ok := s.generations[name]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrGenerationNotFound
	}
	return gen, nil
}

// Keys lists every generation name in sorted order.
func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a generation. Missing generations are ignored.
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen, ok := s.generations[name]; ok {
		gen.mu.Lock()
		gen.deleted = true
		gen.mu.Unlock()
		delete(s.generations, name)
		GenerationsDeleted.WithLabelValues(backendMemory).Inc()
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryGeneration struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Entry
	deleted bool
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		CacheErrors.WithLabelValues(backendMemory, "put").Inc()
		return fmt.Errorf("cache entry cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return ErrGenerationNotFound
	}
	g.entries[key.String()] = entry.Clone()

	CachePuts.WithLabelValues(backendMemory).Inc()
	return nil
}

func (g *memoryGeneration) PutAll(ctx context.Context, records []Record) error {
	for i, rec := range records {
		if rec.Entry == nil {
			CacheErrors.WithLabelValues(backendMemory, "put").Inc()
			return fmt.Errorf("record %d (%s): cache entry cannot be nil", i, rec.Key)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return ErrGenerationNotFound
	}
	for _, rec := range records {
		g.entries[rec.Key.String()] = rec.Entry.Clone()
	}

	CachePuts.WithLabelValues(backendMemory).Add(float64(len(records)))
	return nil
}

func (g *memoryGeneration) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	g.mu.RLock()
	entry, ok := g.entries[key.String()]
	g.mu.RUnlock()

	if !ok || entry.IsExpired() {
		CacheMisses.WithLabelValues(backendMemory).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendMemory).Inc()
	return entry.Clone(), nil
}

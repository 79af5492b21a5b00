package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the generation
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrGenerationNotFound indicates the generation does not exist or was deleted
	ErrGenerationNotFound = errors.New("generation not found")
)

// Store is a set of named cache generations.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open returns the generation called name, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)

	// Lookup returns the existing generation called name or
	// ErrGenerationNotFound. It never creates a generation.
	Lookup(ctx context.Context, name string) (Generation, error)

	// Keys lists every persisted generation name in sorted order.
	Keys(ctx context.Context) ([]string, error)

	// Delete removes a generation and all its entries.
	// Deleting a missing generation is not an error.
	Delete(ctx context.Context, name string) error

	// Close releases backend resources.
	Close() error
}

// Generation is one versioned cache.
type Generation interface {
	// Name returns the generation name.
	Name() string

	// Put stores a snapshot of entry under key, replacing any prior value.
	// Writes to a deleted generation fail with ErrGenerationNotFound.
	Put(ctx context.Context, key RequestKey, entry *Entry) error

	// PutAll stores every record or none of them.
	PutAll(ctx context.Context, records []Record) error

	// Match returns the entry stored under key or ErrCacheMiss.
	Match(ctx context.Context, key RequestKey) (*Entry, error)
}

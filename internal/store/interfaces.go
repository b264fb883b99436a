package store

import (
	"context"
)

// Store is the read-through/write-through collaborator of a cache.
// Keys are canonical key encodings; values are opaque bytes.
type Store interface {
	Load(ctx context.Context, key []byte) ([]byte, bool, error)
	// LoadAll returns only the keys that were found, keyed by string(key)
	LoadAll(ctx context.Context, keys [][]byte) (map[string][]byte, error)
	Put(ctx context.Context, key, value []byte) error
	PutAll(ctx context.Context, entries map[string][]byte) error
	Remove(ctx context.Context, key []byte) error
	RemoveAll(ctx context.Context, keys [][]byte) error
	Close() error
}

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and the embedded grid
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[string(key)]
	return v, ok, nil
}

// LoadAll implements Store
func (s *MemoryStore) LoadAll(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[string(k)]; ok {
			out[string(k)] = v
		}
	}
	return out, nil
}

// Put implements Store
func (s *MemoryStore) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// PutAll implements Store
func (s *MemoryStore) PutAll(ctx context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range entries {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

// Remove implements Store
func (s *MemoryStore) Remove(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, string(key))
	return nil
}

// RemoveAll implements Store
func (s *MemoryStore) RemoveAll(ctx context.Context, keys [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.data, string(k))
	}
	return nil
}

// Len returns the number of stored keys
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

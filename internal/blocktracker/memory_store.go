package blocktracker

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory cursor store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]uint64)}
}

func (s *MemoryStore) Set(_ context.Context, key string, block uint64) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[key] = block
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.cursors[key]
	if !ok {
		return 0, ErrNotFound
	}
	return block, nil
}

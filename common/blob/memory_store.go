package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/stateflow/common/errs"
)

// MemoryStore is an in-memory Store for tests
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string][]byte)}
}

// Put stores data under key
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blocks[key] = cp
	return Checksum(data), nil
}

// Get reads a block, verifying checksum when supplied
func (s *MemoryStore) Get(ctx context.Context, key, checksum string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blocks[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if checksum != "" && Checksum(data) != checksum {
		return nil, fmt.Errorf("block %s checksum mismatch: %w", key, errs.ErrStorageCorruption)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Head reports whether the key exists
func (s *MemoryStore) Head(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[key]
	return ok, nil
}

// Delete removes a block
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, key)
	return nil
}

// Keys returns all stored keys (test helper)
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blocks))
	for k := range s.blocks {
		keys = append(keys, k)
	}
	return keys
}

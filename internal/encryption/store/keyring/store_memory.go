// Package keyring persists the key registry: one row per
// (classification, version), keyed by the salt the data key derives from.
package keyring

import (
	"context"
	"sync"

	"custodia/internal/encryption"
	"custodia/pkg/platform/sentinel"
)

type memoryKey struct {
	classification encryption.Classification
	version        int
}

// MemoryStore is an in-process key registry for unit tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[memoryKey]encryption.Key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[memoryKey]encryption.Key)}
}

func (s *MemoryStore) Create(_ context.Context, key encryption.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{key.Classification, key.Version}
	if _, exists := s.keys[k]; exists {
		return sentinel.ErrConflict
	}
	s.keys[k] = key
	return nil
}

func (s *MemoryStore) Get(_ context.Context, classification encryption.Classification, version int) (encryption.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[memoryKey{classification, version}]
	if !ok {
		return encryption.Key{}, sentinel.ErrNotFound
	}
	return key, nil
}

func (s *MemoryStore) Active(_ context.Context, classification encryption.Classification) (encryption.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := encryption.Key{}
	found := false
	for k, key := range s.keys {
		if k.classification != classification || key.Status != encryption.KeyStatusActive {
			continue
		}
		if !found || key.Version > best.Version {
			best = key
			found = true
		}
	}
	if !found {
		return encryption.Key{}, sentinel.ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) Retire(_ context.Context, classification encryption.Classification, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{classification, version}
	key, ok := s.keys[k]
	if !ok {
		return sentinel.ErrNotFound
	}
	key.Status = encryption.KeyStatusRetired
	s.keys[k] = key
	return nil
}

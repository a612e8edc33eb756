// Package entry persists audit chain entries. Stores are insert-only: no
// update or delete is exposed, so immutability holds at the storage layer.
package entry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodia/internal/ledger"
	"custodia/pkg/platform/sentinel"
)

// MemoryStore is an in-process entry store for unit tests and development.
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[string][]ledger.Entry
	archived   map[string][]ledger.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string][]ledger.Entry),
		archived:   make(map[string][]ledger.Entry),
	}
}

func (s *MemoryStore) Append(_ context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.partitions[entry.Partition]
	if entry.EventID != uuid.Nil {
		for _, existing := range chain {
			if existing.EventID == entry.EventID {
				return sentinel.ErrDuplicate
			}
		}
		for _, existing := range s.archived[entry.Partition] {
			if existing.EventID == entry.EventID {
				return sentinel.ErrDuplicate
			}
		}
	}

	prevHash := ledger.GenesisHash
	var lastSeq int64
	if tail, ok := s.tail(entry.Partition); ok {
		prevHash = tail.EntryHash
		lastSeq = tail.Sequence
	}
	if entry.Sequence != lastSeq+1 || entry.PrevHash != prevHash {
		return sentinel.ErrConflict
	}

	s.partitions[entry.Partition] = append(chain, entry)
	return nil
}

func (s *MemoryStore) Head(_ context.Context, partition string) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, ok := s.tail(partition)
	if !ok {
		return ledger.Entry{}, sentinel.ErrNotFound
	}
	return tail, nil
}

// tail returns the newest entry for the partition, falling back to the
// archived chain when everything live has been moved. The fallback keeps
// sequence numbers and prev hashes continuous across the archive boundary.
func (s *MemoryStore) tail(partition string) (ledger.Entry, bool) {
	if chain := s.partitions[partition]; len(chain) > 0 {
		return chain[len(chain)-1], true
	}
	if archived := s.archived[partition]; len(archived) > 0 {
		return archived[len(archived)-1], true
	}
	return ledger.Entry{}, false
}

func (s *MemoryStore) Range(_ context.Context, partition string, from, to int64) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, entry := range s.partitions[partition] {
		if entry.Sequence >= from && entry.Sequence <= to {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, entry := range s.partitions[filter.Partition] {
		if matches(entry, filter) {
			out = append(out, entry)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) HasEvent(_ context.Context, partition string, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventID == uuid.Nil {
		return false, nil
	}
	for _, entry := range s.partitions[partition] {
		if entry.EventID == eventID {
			return true, nil
		}
	}
	for _, entry := range s.archived[partition] {
		if entry.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ArchiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var moved int64
	for partition, chain := range s.partitions {
		kept := chain[:0:0]
		for _, entry := range chain {
			if entry.Timestamp.Before(cutoff) {
				s.archived[partition] = append(s.archived[partition], entry)
				moved++
				continue
			}
			kept = append(kept, entry)
		}
		s.partitions[partition] = kept
	}
	return moved, nil
}

// ArchivedCount returns how many entries have been archived. Test helper.
func (s *MemoryStore) ArchivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, archived := range s.archived {
		n += len(archived)
	}
	return n
}

// Tamper mutates a stored entry in place, bypassing the insert-only surface.
// Test helper for exercising chain verification against corrupted storage.
func (s *MemoryStore) Tamper(partition string, sequence int64, mutate func(*ledger.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.partitions[partition]
	for i := range chain {
		if chain[i].Sequence == sequence {
			mutate(&chain[i])
			return true
		}
	}
	return false
}

func matches(entry ledger.Entry, filter ledger.Filter) bool {
	if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
		return false
	}
	if filter.ActorID != "" && entry.ActorID != filter.ActorID {
		return false
	}
	if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
		return false
	}
	return true
}

// Package deadletter persists envelopes that exhausted delivery, until an
// operator acknowledges them.
package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodia/internal/eventbus"
	"custodia/pkg/platform/sentinel"
)

// MemoryStore is an in-process dead-letter store for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	letters map[uuid.UUID]*eventbus.DeadLetter
	clock   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		letters: make(map[uuid.UUID]*eventbus.DeadLetter),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Add(_ context.Context, dl eventbus.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.letters[dl.Envelope.ID]; exists {
		return sentinel.ErrConflict
	}
	s.letters[dl.Envelope.ID] = &dl
	return nil
}

func (s *MemoryStore) List(_ context.Context, includeAcked bool) ([]eventbus.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventbus.DeadLetter
	for _, dl := range s.letters {
		if !includeAcked && dl.AckedAt != nil {
			continue
		}
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

func (s *MemoryStore) Ack(_ context.Context, id uuid.UUID, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.letters[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if dl.AckedAt != nil {
		return sentinel.ErrAlreadyAcked
	}
	now := s.clock()
	dl.AckedBy = operator
	dl.AckedAt = &now
	return nil
}

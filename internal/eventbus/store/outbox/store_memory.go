// Package outbox persists event envelopes until every subscriber has them.
package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodia/internal/eventbus"
	"custodia/pkg/platform/sentinel"
)

// MemoryStore is an in-process outbox for unit tests and development. It
// mirrors the Postgres store's claim semantics: one envelope per partition,
// lowest sequence first, visibility lease on claim.
type MemoryStore struct {
	mu        sync.Mutex
	envelopes map[uuid.UUID]*eventbus.Envelope
	nextSeq   int64
	clock     func() time.Time
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
		envelopes: make(map[uuid.UUID]*eventbus.Envelope),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Append(_ context.Context, env eventbus.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envelopes[env.ID]; exists {
		return sentinel.ErrConflict
	}
	s.nextSeq++
	env.Sequence = s.nextSeq
	s.envelopes[env.ID] = &env
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, limit int, lease time.Duration) ([]eventbus.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()

	// Find the lowest undelivered sequence per partition; a partition whose
	// head is leased or backing off blocks the rest of that partition.
	heads := make(map[string]*eventbus.Envelope)
	for _, env := range s.envelopes {
		if env.Status == eventbus.StatusDelivered || env.Status == eventbus.StatusDeadLettered {
			continue
		}
		head, ok := heads[env.PartitionKey]
		if !ok || env.Sequence < head.Sequence {
			heads[env.PartitionKey] = env
		}
	}

	var claimable []*eventbus.Envelope
	for _, env := range heads {
		if env.VisibleAfter.After(now) {
			continue
		}
		claimable = append(claimable, env)
	}
	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].Sequence < claimable[j].Sequence
	})
	if limit > 0 && len(claimable) > limit {
		claimable = claimable[:limit]
	}

	out := make([]eventbus.Envelope, 0, len(claimable))
	for _, env := range claimable {
		env.VisibleAfter = now.Add(lease)
		out = append(out, *env)
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, deliveredTo []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	env.Status = eventbus.StatusDelivered
	env.DeliveredTo = append([]string(nil), deliveredTo...)
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id uuid.UUID, deliveredTo []string, attempts int, visibleAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	env.Status = eventbus.StatusFailed
	env.DeliveredTo = append([]string(nil), deliveredTo...)
	env.DeliveryAttempts = attempts
	env.VisibleAfter = visibleAfter
	return nil
}

func (s *MemoryStore) MarkDeadLettered(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	env.Status = eventbus.StatusDeadLettered
	return nil
}

func (s *MemoryStore) Replay(_ context.Context, fromSequence int64, limit int) ([]eventbus.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []eventbus.Envelope
	for _, env := range s.envelopes {
		if env.Sequence >= fromSequence && env.Status != eventbus.StatusDeadLettered {
			out = append(out, *env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PendingCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, env := range s.envelopes {
		if env.Status == eventbus.StatusPending || env.Status == eventbus.StatusFailed {
			n++
		}
	}
	return n, nil
}

// Get returns an envelope by ID. Test helper.
func (s *MemoryStore) Get(id uuid.UUID) (eventbus.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return eventbus.Envelope{}, false
	}
	return *env, true
}

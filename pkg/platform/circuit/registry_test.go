package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SharedBreakerPerDependency(t *testing.T) {
	r := NewRegistry()
	a := r.Get("postgres")
	b := r.Get("postgres")
	assert.Same(t, a, b, "callers to the same dependency must share one breaker")

	c := r.Get("key-service")
	assert.NotSame(t, a, c)
}

func TestRegistry_DoShortCircuitsWhenOpen(t *testing.T) {
	r := NewRegistry(WithDefaults(WithFailureThreshold(2)))

	ctx := context.Background()
	boom := errors.New("down")
	for i := 0; i < 2; i++ {
		require.Error(t, r.Do(ctx, "registry", func(ctx context.Context) error { return boom }))
	}

	err := r.Do(ctx, "registry", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(WithDefaults(WithFailureThreshold(1)))
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "db", func(ctx context.Context) error { return errors.New("down") }))
	assert.Equal(t, StateOpen, r.Get("db").State())

	assert.True(t, r.Reset("db"))
	assert.Equal(t, StateClosed, r.Get("db").State())

	assert.False(t, r.Reset("unknown"))
}

func TestRegistry_Snapshots(t *testing.T) {
	r := NewRegistry(WithDefaults(WithFailureThreshold(1)))
	r.Get("db")
	require.Error(t, r.Do(context.Background(), "kafka", func(ctx context.Context) error {
		return errors.New("down")
	}))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)

	byName := map[string]Snapshot{}
	for _, s := range snaps {
		byName[s.Name] = s
	}
	assert.Equal(t, "closed", byName["db"].State)
	assert.Equal(t, "open", byName["kafka"].State)
}

// memoryStateStore is a StateStore fake for restart tests.
type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]PersistedState
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: make(map[string]PersistedState)}
}

func (s *memoryStateStore) Save(_ context.Context, snapshot PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[snapshot.Name] = snapshot
	return nil
}

func (s *memoryStateStore) Load(_ context.Context, name string) (PersistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok, nil
}

func TestRegistry_StateSurvivesRestart(t *testing.T) {
	store := newMemoryStateStore()
	require.NoError(t, store.Save(context.Background(), PersistedState{
		Name:      "registry",
		State:     "open",
		OpenSince: time.Now(),
	}))

	// A fresh registry (new process) picks up the open circuit.
	r := NewRegistry(WithStateStore(store))
	err := r.Do(context.Background(), "registry", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

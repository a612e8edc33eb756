package circuit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// StateStore persists breaker state so it survives process restarts.
// Persistence is best-effort: a store failure never blocks or fails a call.
type StateStore interface {
	Save(ctx context.Context, snapshot PersistedState) error
	Load(ctx context.Context, name string) (PersistedState, bool, error)
}

// PersistedState is the durable subset of breaker state.
type PersistedState struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenSince    time.Time `json:"open_since"`
}

// Registry holds one breaker per logical dependency. All callers to the same
// dependency share the same breaker instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaults []Option
	store    StateStore
	metrics  *Metrics
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaults sets options applied to every breaker the registry creates.
func WithDefaults(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.defaults = opts
	}
}

// WithStateStore enables durable breaker state across restarts.
func WithStateStore(store StateStore) RegistryOption {
	return func(r *Registry) {
		r.store = store
	}
}

// WithMetrics records transitions and short-circuits to Prometheus.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the logger for transition events.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a breaker registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get returns the breaker for the named dependency, creating it on first use.
// Per-breaker options apply only on creation.
func (r *Registry) Get(name string, opts ...Option) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	all := make([]Option, 0, len(r.defaults)+len(opts)+1)
	all = append(all, r.defaults...)
	all = append(all, opts...)
	all = append(all, WithOnStateChange(r.stateChanged))
	b = New(name, all...)

	if r.store != nil {
		if persisted, ok, err := r.store.Load(context.Background(), name); err != nil {
			r.logger.Warn("breaker state load failed", "breaker", name, "error", err)
		} else if ok {
			b.restore(parseState(persisted.State), persisted.FailureCount, persisted.OpenSince)
		}
	}

	r.breakers[name] = b
	return b
}

// Do runs fn through the named dependency's breaker.
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	err := r.Get(name).Do(ctx, fn)
	if err != nil && r.metrics != nil && isOpenErr(err) {
		r.metrics.IncShortCircuited(name)
	}
	return err
}

// Reset forces the named breaker Closed. Returns false if it does not exist.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshots returns the observable state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

func (r *Registry) stateChanged(name string, from, to State) {
	r.logger.Info("circuit breaker state change",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	if r.metrics != nil {
		r.metrics.ObserveTransition(name, to)
	}
	if r.store != nil {
		r.mu.RLock()
		b, ok := r.breakers[name]
		r.mu.RUnlock()
		if !ok {
			return
		}
		snap := b.Snapshot()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := r.store.Save(ctx, PersistedState{
			Name:         name,
			State:        snap.State,
			FailureCount: snap.FailureCount,
			OpenSince:    snap.OpenSince,
		})
		if err != nil {
			r.logger.Warn("breaker state save failed", "breaker", name, "error", err)
		}
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func isOpenErr(err error) bool {
	return errors.Is(err, ErrOpen)
}

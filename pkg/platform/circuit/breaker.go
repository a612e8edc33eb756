// Package circuit implements a three-state circuit breaker for isolating
// fallible dependencies (database, key service, downstream registries).
//
// A breaker starts Closed and passes calls through. Failures inside a sliding
// window open the circuit; while Open, calls fail fast with ErrOpen without
// touching the dependency. After the cooldown a single trial call is let
// through (HalfOpen); its outcome decides whether the circuit closes again or
// re-opens with a fresh cooldown.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the circuit is open. Callers are expected to
// treat it as routine and take their fallback path.
var ErrOpen = errors.New("circuit open")

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Clock abstracts time for tests.
type Clock func() time.Time

// Breaker guards a single logical dependency. All transitions happen under
// one mutex so two racing callers can never both claim the half-open trial.
type Breaker struct {
	name string

	mu           sync.Mutex
	state        State
	failureCount int
	windowStart  time.Time
	openSince    time.Time
	trialsInUse  int

	failureThreshold int
	failureWindow    time.Duration
	cooldown         time.Duration
	maxTrials        int
	callTimeout      time.Duration

	clock    Clock
	onChange func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many failures within the window open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithFailureWindow sets the sliding window in which failures accumulate.
func WithFailureWindow(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.failureWindow = d
		}
	}
}

// WithCooldown sets how long the circuit stays open before a trial is allowed.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithMaxTrials bounds concurrent half-open trial calls. Defaults to one.
func WithMaxTrials(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxTrials = n
		}
	}
}

// WithCallTimeout bounds each wrapped call. A timeout counts as a failure.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(clock Clock) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithOnStateChange registers a transition hook (metrics, persistence).
// The hook runs outside the breaker lock.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a breaker for the named dependency.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		failureWindow:    60 * time.Second,
		cooldown:         30 * time.Second,
		maxTrials:        1,
		clock:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock().Sub(b.openSince) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot is a point-in-time view for operator surfaces.
type Snapshot struct {
	Name         string        `json:"name"`
	State        string        `json:"state"`
	FailureCount int           `json:"failure_count"`
	OpenSince    time.Time     `json:"open_since,omitempty"`
	Cooldown     time.Duration `json:"cooldown"`
}

// Snapshot returns the breaker's current observable state.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        state.String(),
		FailureCount: b.failureCount,
		OpenSince:    b.openSince,
		Cooldown:     b.cooldown,
	}
}

// Do runs fn through the breaker. While open it returns ErrOpen without
// invoking fn. The configured call timeout applies to fn's context, and
// exceeding it counts as a dependency failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	callErr := fn(ctx)
	if callErr != nil {
		b.recordFailure(trial)
		return callErr
	}
	b.recordSuccess(trial)
	return nil
}

// allow decides whether a call may proceed. The returned trial flag is true
// when this call holds a half-open trial slot; exactly maxTrials callers can
// hold one at a time.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		if b.clock().Sub(b.openSince) < b.cooldown {
			b.mu.Unlock()
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		// Cooldown elapsed: this caller wins the transition to half-open.
		b.transitionLocked(StateHalfOpen)
		b.trialsInUse = 1
		b.mu.Unlock()
		return true, nil
	case StateHalfOpen:
		if b.trialsInUse >= b.maxTrials {
			b.mu.Unlock()
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trialsInUse++
		b.mu.Unlock()
		return true, nil
	}

	b.mu.Unlock()
	return false, nil
}

func (b *Breaker) recordSuccess(trial bool) {
	b.mu.Lock()

	switch b.state {
	case StateHalfOpen:
		if trial {
			b.trialsInUse--
			b.failureCount = 0
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		// A success inside the window resets the failure count.
		b.failureCount = 0
	}
	b.mu.Unlock()
}

func (b *Breaker) recordFailure(trial bool) {
	b.mu.Lock()

	now := b.clock()
	switch b.state {
	case StateHalfOpen:
		if trial {
			b.trialsInUse--
		}
		b.openSince = now
		b.transitionLocked(StateOpen)
	case StateClosed:
		if now.Sub(b.windowStart) > b.failureWindow {
			b.failureCount = 0
			b.windowStart = now
		}
		if b.failureCount == 0 {
			b.windowStart = now
		}
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.openSince = now
			b.transitionLocked(StateOpen)
		}
	case StateOpen:
		// Late failure from a call admitted before opening; nothing to do.
	}
	b.mu.Unlock()
}

// Reset forces the breaker Closed regardless of counters. Operator recovery
// path after a confirmed fix.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	b.trialsInUse = 0
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
}

// restore sets breaker state from a persisted snapshot without firing hooks.
func (b *Breaker) restore(state State, failureCount int, openSince time.Time) {
	b.mu.Lock()
	b.state = state
	b.failureCount = failureCount
	b.openSince = openSince
	b.mu.Unlock()
}

// transitionLocked changes state and schedules the change hook. Hooks run in
// a goroutine so persistence or metrics can never deadlock the breaker.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(b.name, from, to)
	}
}

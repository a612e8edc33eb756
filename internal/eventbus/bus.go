package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custodia/internal/eventbus/metrics"
)

// Subscriber is a registered handler with the name delivery bookkeeping is
// keyed by.
type Subscriber struct {
	Name    string
	Type    string
	Handler Handler
}

// Bus is the publish/subscribe surface. Publishing writes to the outbox
// (joining the caller's transaction when one is in context); a Dispatcher
// delivers in the background.
type Bus struct {
	outbox OutboxStore

	subsMu      sync.RWMutex
	subscribers []Subscriber

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
	tracer  trace.Tracer
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New creates a Bus over the given outbox store.
func New(outbox OutboxStore, opts ...Option) *Bus {
	b := &Bus{
		outbox: outbox,
		logger: slog.Default(),
		clock:  time.Now,
		tracer: otel.Tracer("custodia/eventbus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish writes an envelope to the outbox. When the context carries an open
// transaction the write joins it: commit guarantees eventual delivery,
// rollback means the event never existed.
func (b *Bus) Publish(ctx context.Context, eventType, partitionKey string, payload any) (uuid.UUID, error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.Publish")
	defer span.End()

	if eventType == "" {
		return uuid.Nil, fmt.Errorf("event type is required")
	}
	if partitionKey == "" {
		return uuid.Nil, fmt.Errorf("partition key is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal event payload: %w", err)
	}

	now := b.clock()
	env := Envelope{
		ID:           uuid.New(),
		Type:         eventType,
		PartitionKey: partitionKey,
		Payload:      body,
		OccurredAt:   now,
		Status:       StatusPending,
		VisibleAfter: now,
	}
	if err := b.outbox.Append(ctx, env); err != nil {
		return uuid.Nil, fmt.Errorf("append to outbox: %w", err)
	}
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(eventType).Inc()
	}
	return env.ID, nil
}

// Subscribe registers a handler for an event type. Handlers must be
// idempotent: at-least-once delivery permits duplicates after a crash between
// handler execution and the delivered mark.
func (b *Bus) Subscribe(eventType, name string, handler Handler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subscribers = append(b.subscribers, Subscriber{
		Name:    name,
		Type:    eventType,
		Handler: handler,
	})
}

// subscribersFor returns subscribers matching the event type.
func (b *Bus) subscribersFor(eventType string) []Subscriber {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	var out []Subscriber
	for _, sub := range b.subscribers {
		if sub.Type == eventType {
			out = append(out, sub)
		}
	}
	return out
}

// subscriberNamed returns the registered subscriber with the given name.
func (b *Bus) subscriberNamed(name string) (Subscriber, bool) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.Name == name {
			return sub, true
		}
	}
	return Subscriber{}, false
}

// Replay re-delivers committed envelopes from a sequence onward to one named
// subscriber, in sequence order. Used to rebuild a new or recovered
// subscriber's state; the subscriber's idempotency makes duplicates safe.
func (b *Bus) Replay(ctx context.Context, subscriberName string, fromSequence int64) (int, error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.Replay")
	defer span.End()

	sub, ok := b.subscriberNamed(subscriberName)
	if !ok {
		return 0, fmt.Errorf("unknown subscriber %q", subscriberName)
	}

	const batch = 256
	replayed := 0
	next := fromSequence
	for {
		envelopes, err := b.outbox.Replay(ctx, next, batch)
		if err != nil {
			return replayed, fmt.Errorf("load replay batch: %w", err)
		}
		if len(envelopes) == 0 {
			return replayed, nil
		}
		for _, env := range envelopes {
			next = env.Sequence + 1
			if env.Type != sub.Type {
				continue
			}
			if err := sub.Handler(ctx, env); err != nil {
				return replayed, fmt.Errorf("replay envelope %s to %s: %w", env.ID, sub.Name, err)
			}
			replayed++
			if b.metrics != nil {
				b.metrics.Replayed.Inc()
			}
		}
	}
}

package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"custodia/internal/eventbus/metrics"
	"custodia/pkg/platform/circuit"
)

//go:generate mockgen -source=dispatcher.go -destination=mocks/mocks.go -package=mocks AlertNotifier,Mirror

// AlertNotifier receives operator-visible alerts for dead-lettered envelopes.
type AlertNotifier interface {
	DeadLettered(ctx context.Context, dl DeadLetter)
}

// Mirror forwards delivered envelopes to an external stream (Kafka). Mirror
// failures never fail delivery; the outbox remains the source of truth.
type Mirror interface {
	Mirror(ctx context.Context, env Envelope) error
}

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	Workers        int
	ClaimBatch     int
	ClaimInterval  time.Duration
	Lease          time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 32
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 250 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher claims pending envelopes and delivers them to subscribers, each
// call wrapped in that subscriber's circuit breaker. Multiple dispatcher
// processes can run concurrently; the visibility lease keeps them from
// claiming the same envelope.
type Dispatcher struct {
	bus         *Bus
	outbox      OutboxStore
	deadLetters DeadLetterStore
	breakers    *circuit.Registry
	cfg         DispatcherConfig

	notifier AlertNotifier
	mirror   Mirror
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	tracer   trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAlertNotifier wires dead-letter alerts to an operator channel.
func WithAlertNotifier(n AlertNotifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithMirror forwards delivered envelopes to an external stream.
func WithMirror(m Mirror) DispatcherOption {
	return func(d *Dispatcher) { d.mirror = m }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics collector.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherClock sets the clock function for testability.
func WithDispatcherClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher creates a dispatcher over the bus's outbox.
func NewDispatcher(bus *Bus, deadLetters DeadLetterStore, breakers *circuit.Registry, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		outbox:      bus.outbox,
		deadLetters: deadLetters,
		breakers:    breakers,
		cfg:         cfg.withDefaults(),
		logger:      slog.Default(),
		clock:       time.Now,
		tracer:      otel.Tracer("custodia/eventbus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run delivers envelopes until the context is cancelled. Safe to restart at
// any point: envelopes whose lease lapsed mid-delivery are reclaimed and
// redelivered (at-least-once).
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error { return d.worker(ctx) })
	}
	g.Go(func() error { return d.observeLag(ctx) })
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		claimed, err := d.outbox.Claim(ctx, d.cfg.ClaimBatch, d.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("outbox claim failed", "error", err)
		}

		for _, env := range claimed {
			d.deliver(ctx, env)
		}

		if len(claimed) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.ClaimInterval):
		}
	}
}

// deliver runs one envelope through every remaining subscriber.
func (d *Dispatcher) deliver(ctx context.Context, env Envelope) {
	ctx, span := d.tracer.Start(ctx, "eventbus.Deliver")
	defer span.End()

	deliveredTo := append([]string(nil), env.DeliveredTo...)
	var lastErr error

	for _, sub := range d.bus.subscribersFor(env.Type) {
		if env.WasDeliveredTo(sub.Name) {
			continue
		}
		handler := sub.Handler
		err := d.breakers.Do(ctx, "subscriber:"+sub.Name, func(ctx context.Context) error {
			hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
			defer cancel()
			return handler(hctx, env)
		})
		if err != nil {
			lastErr = fmt.Errorf("subscriber %s: %w", sub.Name, err)
			continue
		}
		deliveredTo = append(deliveredTo, sub.Name)
		if d.metrics != nil {
			d.metrics.Delivered.WithLabelValues(sub.Name).Inc()
		}
	}

	if lastErr == nil {
		if err := d.outbox.MarkDelivered(ctx, env.ID, deliveredTo); err != nil {
			// The envelope stays claimable; idempotent handlers absorb the redelivery.
			d.logger.Error("mark delivered failed", "envelope", env.ID, "error", err)
			return
		}
		d.mirrorDelivered(ctx, env)
		return
	}

	attempts := env.DeliveryAttempts + 1
	if attempts >= d.cfg.MaxAttempts {
		d.deadLetter(ctx, env, deliveredTo, attempts, lastErr)
		return
	}

	visibleAfter := d.clock().Add(d.backoffFor(attempts))
	if err := d.outbox.Reschedule(ctx, env.ID, deliveredTo, attempts, visibleAfter); err != nil {
		d.logger.Error("reschedule failed", "envelope", env.ID, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.Retries.Inc()
	}
	d.logger.Warn("envelope delivery failed, rescheduled",
		"envelope", env.ID,
		"type", env.Type,
		"attempts", attempts,
		"visible_after", visibleAfter,
		"error", lastErr,
	)
}

func (d *Dispatcher) deadLetter(ctx context.Context, env Envelope, deliveredTo []string, attempts int, cause error) {
	env.DeliveryAttempts = attempts
	env.DeliveredTo = deliveredTo
	dl := DeadLetter{
		Envelope:  env,
		FailedAt:  d.clock(),
		LastError: fmt.Errorf("%w: %w", ErrDeliveryExhausted, cause).Error(),
	}
	if err := d.deadLetters.Add(ctx, dl); err != nil {
		// Keep the envelope claimable rather than lose it.
		d.logger.Error("dead-letter store failed", "envelope", env.ID, "error", err)
		return
	}
	if err := d.outbox.MarkDeadLettered(ctx, env.ID); err != nil {
		d.logger.Error("mark dead-lettered failed", "envelope", env.ID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.DeadLettered.Inc()
	}
	d.logger.Error("envelope dead-lettered",
		"envelope", env.ID,
		"type", env.Type,
		"partition", env.PartitionKey,
		"attempts", attempts,
		"error", cause,
	)
	if d.notifier != nil {
		d.notifier.DeadLettered(ctx, dl)
	}
}

func (d *Dispatcher) mirrorDelivered(ctx context.Context, env Envelope) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.Mirror(ctx, env); err != nil {
		d.logger.Warn("mirror publish failed", "envelope", env.ID, "error", err)
	}
}

// backoffFor doubles per attempt from the base, capped at the max.
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return backoff
}

func (d *Dispatcher) observeLag(ctx context.Context) error {
	if d.metrics == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.outbox.PendingCount(ctx); err == nil {
				d.metrics.PendingLag.Set(float64(n))
			}
		}
	}
}

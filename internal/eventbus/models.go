// Package eventbus is the durable publish/subscribe layer between domain
// modules and the trust core. Envelopes are written to a transactional outbox
// and delivered at least once by a background dispatcher; handlers must be
// idempotent.
package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the envelope delivery lifecycle position.
type Status string

const (
	StatusPending      Status = "pending"
	StatusFailed       Status = "failed"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
)

// Envelope is one durable event. Sequence is the outbox insertion order and
// drives both replay and per-partition delivery ordering.
type Envelope struct {
	ID               uuid.UUID
	Sequence         int64
	Type             string
	PartitionKey     string
	Payload          []byte
	OccurredAt       time.Time
	DeliveryAttempts int
	Status           Status
	VisibleAfter     time.Time
	// DeliveredTo records which subscribers have acknowledged this envelope,
	// so a partial failure does not re-invoke the ones that succeeded.
	DeliveredTo []string
}

// WasDeliveredTo reports whether the named subscriber already acknowledged
// this envelope.
func (e Envelope) WasDeliveredTo(subscriber string) bool {
	for _, s := range e.DeliveredTo {
		if s == subscriber {
			return true
		}
	}
	return false
}

// Handler consumes one envelope. At-least-once delivery permits duplicate
// invocations; handlers must tolerate them.
type Handler func(ctx context.Context, env Envelope) error

// DeadLetter is an envelope that exhausted its delivery attempts. It stays
// visible to operators until acknowledged.
type DeadLetter struct {
	Envelope  Envelope
	FailedAt  time.Time
	LastError string
	AckedBy   string
	AckedAt   *time.Time
}

// ErrDeliveryExhausted wraps the final handler error when an envelope is
// dead-lettered. Not fatal to the publisher (already committed), but it
// requires operator attention.
var ErrDeliveryExhausted = errors.New("delivery attempts exhausted")

// OutboxStore is the durable envelope store. Append joins the caller's
// transaction when one is carried in context (pkg/platform/tx), which is what
// makes publish transactional with the publisher's own state change.
//
// Claim returns at most one envelope per partition key, the one with the
// lowest sequence still undelivered, and extends its visibility lease so no
// other dispatcher worker claims it concurrently. A worker that crashes
// mid-delivery simply lets the lease lapse and the envelope is reclaimed.
type OutboxStore interface {
	Append(ctx context.Context, env Envelope) error
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Envelope, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredTo []string) error
	Reschedule(ctx context.Context, id uuid.UUID, deliveredTo []string, attempts int, visibleAfter time.Time) error
	MarkDeadLettered(ctx context.Context, id uuid.UUID) error
	Replay(ctx context.Context, fromSequence int64, limit int) ([]Envelope, error)
	PendingCount(ctx context.Context) (int64, error)
}

// DeadLetterStore persists exhausted envelopes for operator review.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, includeAcked bool) ([]DeadLetter, error)
	Ack(ctx context.Context, id uuid.UUID, operator string) error
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"custodia/internal/eventbus"
	"custodia/pkg/platform/sentinel"
)

// SubscriberName is the event bus subscriber identity for the ledger.
const SubscriberName = "audit-ledger"

// AuditEvent is the payload domain modules publish for auditable actions.
// PartitionKey on the envelope selects the ledger partition.
type AuditEvent struct {
	ActorID      string            `json:"actor_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Outcome      Outcome           `json:"outcome"`
	SubjectID    string            `json:"subject_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Subscriber appends a ledger entry per delivered audit event. Handle is
// idempotent: redelivered envelopes are recognized by event ID and absorbed,
// so at-least-once delivery never produces duplicate chain entries.
type Subscriber struct {
	service *Service
	logger  *slog.Logger
}

// NewSubscriber creates the ledger's event bus subscriber.
func NewSubscriber(service *Service, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{service: service, logger: logger}
}

// Register attaches the subscriber to every audit-relevant event type.
func (s *Subscriber) Register(bus *eventbus.Bus, eventTypes ...string) {
	for _, t := range eventTypes {
		bus.Subscribe(t, SubscriberName, s.Handle)
	}
}

// Handle appends one entry for the envelope. Returning an error leaves the
// envelope claimable, so a failed append (encryption outage, store down) is
// retried by the dispatcher rather than lost.
func (s *Subscriber) Handle(ctx context.Context, env eventbus.Envelope) error {
	seen, err := s.service.store.HasEvent(ctx, env.PartitionKey, env.ID)
	if err != nil {
		return fmt.Errorf("check audit event dedupe: %w", err)
	}
	if seen {
		return nil
	}

	var event AuditEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return fmt.Errorf("decode audit event %s: %w", env.ID, err)
	}

	_, err = s.service.Append(ctx, Draft{
		Partition:    env.PartitionKey,
		ActorID:      event.ActorID,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Outcome:      event.Outcome,
		SubjectID:    event.SubjectID,
		EventID:      env.ID,
		Details:      event.Details,
	})
	if errors.Is(err, sentinel.ErrDuplicate) {
		// Lost the dedupe race to a concurrent redelivery.
		return nil
	}
	return err
}

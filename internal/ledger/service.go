package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custodia/internal/encryption"
	"custodia/internal/ledger/metrics"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
)

// maxAppendRetries bounds retries after a sequence allocation race. Each
// retry reloads the head, so contention resolves quickly; hitting the bound
// means sustained concurrent writers on one partition, which the deployment
// model does not allow.
const maxAppendRetries = 5

// DefaultRetention matches long-term regulatory retention for audit trails.
const DefaultRetention = 6 * 365 * 24 * time.Hour

// Service appends, verifies, and queries the audit chain. Appends fail
// closed: if the sensitive details cannot be encrypted, no entry is written
// and the triggering action must be treated as failed.
type Service struct {
	store  EntryStore
	crypto *encryption.Service

	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRetention overrides the archival retention period.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New creates a ledger service over the given store and encryption service.
func New(store EntryStore, crypto *encryption.Service, opts ...Option) *Service {
	s := &Service{
		store:     store,
		crypto:    crypto,
		retention: DefaultRetention,
		logger:    slog.Default(),
		clock:     time.Now,
		tracer:    otel.Tracer("custodia/ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Append encrypts the draft's manifest fields, allocates the next sequence,
// and writes the entry. A lost allocation race is retried against the fresh
// head; sentinel.ErrDuplicate surfaces unchanged so idempotent callers can
// treat it as already written.
func (s *Service) Append(ctx context.Context, draft Draft) (Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Append")
	defer span.End()

	if err := validateDraft(draft); err != nil {
		return Entry{}, err
	}

	manifest, ok := ManifestFor(draft.ResourceType)
	if !ok {
		return Entry{}, dErrors.Newf(dErrors.CodeInvalidInput, "no field manifest for resource type %q", draft.ResourceType)
	}

	details, err := s.encryptDetails(ctx, manifest, draft)
	if err != nil {
		// Fail closed. No entry is written when details cannot be protected.
		if s.metrics != nil {
			s.metrics.Appends.WithLabelValues("encryption_failure").Inc()
		}
		return Entry{}, dErrors.Wrap(err, dErrors.CodeEncryptionFailure, "encrypt audit details")
	}

	entry := Entry{
		Partition:    draft.Partition,
		Timestamp:    canonicalTime(s.clock()),
		ActorID:      draft.ActorID,
		Action:       draft.Action,
		ResourceType: draft.ResourceType,
		ResourceID:   draft.ResourceID,
		Outcome:      draft.Outcome,
		EventID:      draft.EventID,
		SubjectID:    draft.SubjectID,
		Details:      details,
	}

	for attempt := 0; attempt <= maxAppendRetries; attempt++ {
		prevHash, nextSeq, err := s.chainPosition(ctx, draft.Partition)
		if err != nil {
			return Entry{}, err
		}
		entry.Sequence = nextSeq
		entry.PrevHash = prevHash
		entry.EntryHash = entryHash(prevHash, entry)

		err = s.store.Append(ctx, entry)
		if err == nil {
			if s.metrics != nil {
				s.metrics.Appends.WithLabelValues(string(entry.Outcome)).Inc()
			}
			return entry, nil
		}
		if errors.Is(err, sentinel.ErrDuplicate) {
			return Entry{}, err
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return Entry{}, fmt.Errorf("append audit entry: %w", err)
		}
		if s.metrics != nil {
			s.metrics.AppendConflicts.Inc()
		}
		s.logger.Debug("audit append lost sequence race, retrying",
			"partition", draft.Partition,
			"sequence", nextSeq,
			"attempt", attempt+1,
		)
	}
	return Entry{}, dErrors.Newf(dErrors.CodeConflict, "audit append for partition %q kept losing the sequence race", draft.Partition)
}

// Verify recomputes the chain over [from, to] and compares each stored hash.
// The checkpoint is the entry before the range (or the genesis constant), so
// a verified range is anchored to known-good state. A mismatch returns a
// result pointing at the first broken sequence and an *IntegrityError.
func (s *Service) Verify(ctx context.Context, partition string, from, to int64) (VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Verify")
	defer span.End()

	if from < 1 || to < from {
		return VerificationResult{}, dErrors.Newf(dErrors.CodeInvalidInput, "invalid verification range [%d, %d]", from, to)
	}
	if s.metrics != nil {
		s.metrics.Verifications.Inc()
	}

	prevHash := GenesisHash
	if from > 1 {
		anchor, err := s.store.Range(ctx, partition, from-1, from-1)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("load verification anchor: %w", err)
		}
		if len(anchor) != 1 {
			return VerificationResult{}, dErrors.Newf(dErrors.CodeNotFound, "no anchor entry at sequence %d in partition %q", from-1, partition)
		}
		prevHash = anchor[0].EntryHash
	}

	entries, err := s.store.Range(ctx, partition, from, to)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("load verification range: %w", err)
	}

	result := VerificationResult{Partition: partition, From: from, To: to, Valid: true}
	expected := from
	for _, entry := range entries {
		if entry.Sequence != expected || entry.PrevHash != prevHash || entryHash(prevHash, entry) != entry.EntryHash {
			return s.broken(partition, result, entry.Sequence)
		}
		prevHash = entry.EntryHash
		expected++
		result.Checked++
	}
	return result, nil
}

func (s *Service) broken(partition string, result VerificationResult, sequence int64) (VerificationResult, error) {
	if s.metrics != nil {
		s.metrics.ChainViolations.Inc()
	}
	s.logger.Error("audit chain verification failed",
		"partition", partition,
		"broken_sequence", sequence,
	)
	result.Valid = false
	result.BrokenSequence = sequence
	return result, &IntegrityError{Partition: partition, Sequence: sequence}
}

// Query returns matching entries with their payloads still encrypted. Callers
// that need the plaintext decrypt explicitly through the encryption service,
// keeping read access to sensitive details a separate privilege.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Partition == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "partition is required")
	}
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return entries, nil
}

// ArchiveBefore moves entries past the retention period to the archive. Runs
// outside the write path, typically from a scheduled job.
func (s *Service) ArchiveBefore(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.retention)
	moved, err := s.store.ArchiveBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive audit entries: %w", err)
	}
	if moved > 0 {
		if s.metrics != nil {
			s.metrics.ArchivedEntries.Add(float64(moved))
		}
		s.logger.Info("audit entries archived", "count", moved, "cutoff", cutoff)
	}
	return moved, nil
}

// chainPosition returns the PrevHash and sequence for the partition's next
// entry.
func (s *Service) chainPosition(ctx context.Context, partition string) (string, int64, error) {
	head, err := s.store.Head(ctx, partition)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return GenesisHash, 1, nil
		}
		return "", 0, fmt.Errorf("load partition head: %w", err)
	}
	return head.EntryHash, head.Sequence + 1, nil
}

// encryptDetails projects the draft's details through the manifest and
// encrypts the result as one payload.
func (s *Service) encryptDetails(ctx context.Context, manifest Manifest, draft Draft) (encryption.Ciphertext, error) {
	sensitive := make(map[string]string, len(manifest.Fields))
	for _, field := range manifest.Fields {
		if v, ok := draft.Details[field]; ok {
			sensitive[field] = v
		}
	}
	plaintext, err := json.Marshal(sensitive)
	if err != nil {
		return encryption.Ciphertext{}, fmt.Errorf("marshal audit details: %w", err)
	}
	return s.crypto.Encrypt(ctx, plaintext, encryption.Context{
		Classification: manifest.Classification,
		SubjectID:      draft.SubjectID,
	})
}

func validateDraft(draft Draft) error {
	switch {
	case draft.Partition == "":
		return dErrors.New(dErrors.CodeInvalidInput, "partition is required")
	case draft.ActorID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "actor id is required")
	case draft.Action == "":
		return dErrors.New(dErrors.CodeInvalidInput, "action is required")
	case draft.ResourceType == "":
		return dErrors.New(dErrors.CodeInvalidInput, "resource type is required")
	case !draft.Outcome.Valid():
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown outcome %q", draft.Outcome)
	}
	return nil
}

// Package ledger maintains the hash-chained, append-only audit record of
// every sensitive action. Entries are immutable once written; the chain makes
// retroactive tampering detectable.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodia/internal/encryption"
)

// Outcome records whether the audited action succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether the outcome is a known value.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// Entry is one immutable link of the audit chain. Sequence is allocated per
// partition; EntryHash covers PrevHash plus a canonical encoding of every
// other field, so any later mutation of stored bytes breaks verification.
type Entry struct {
	Partition string    `json:"partition"`
	Sequence  int64     `json:"sequence"`
	PrevHash  string    `json:"prev_hash"`
	EntryHash string    `json:"entry_hash"`
	Timestamp time.Time `json:"timestamp"`

	ActorID      string  `json:"actor_id"`
	Action       string  `json:"action"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	Outcome      Outcome `json:"outcome"`

	// EventID links the entry to the bus envelope that produced it, for
	// idempotent replays. uuid.Nil for direct appends.
	EventID uuid.UUID `json:"event_id"`

	// Details holds the entry's sensitive fields, encrypted. The ledger
	// never decrypts on read; callers invoke the encryption service
	// explicitly when they need the plaintext.
	Details encryption.Ciphertext `json:"details"`

	// SubjectID is bound into the ciphertext's authenticated data. Stored
	// so callers can reconstruct the decryption context.
	SubjectID string `json:"subject_id"`
}

// Draft is the unencrypted input to Append. Details values whose keys appear
// in the resource type's field manifest are encrypted into the entry; other
// keys are dropped.
type Draft struct {
	Partition    string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	SubjectID    string
	EventID      uuid.UUID
	Details      map[string]string
}

// VerificationResult reports the outcome of a chain verification pass.
type VerificationResult struct {
	Partition string `json:"partition"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
	Checked   int64  `json:"checked"`
	Valid     bool   `json:"valid"`
	// BrokenSequence is the first sequence whose stored bytes no longer
	// match the chain. Entries after it cannot be trusted without
	// independent corroboration. Zero when Valid.
	BrokenSequence int64 `json:"broken_sequence,omitempty"`
}

// IntegrityError marks a broken chain found by Verify. It identifies the
// first untrusted sequence and is never repaired automatically.
type IntegrityError struct {
	Partition string
	Sequence  int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken in partition %q at sequence %d", e.Partition, e.Sequence)
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	Partition    string
	From         time.Time
	To           time.Time
	ActorID      string
	ResourceType string
	ResourceID   string
	Limit        int
}

// EntryStore persists chain entries. Implementations expose no update or
// delete; immutability is enforced at the storage layer, not by convention.
type EntryStore interface {
	// Append writes the entry iff it extends the partition head: its
	// sequence must be head+1 and its PrevHash must equal the head's
	// EntryHash. A lost race returns sentinel.ErrConflict; a repeated
	// EventID returns sentinel.ErrDuplicate.
	Append(ctx context.Context, entry Entry) error

	// Head returns the highest-sequence entry of the partition, or
	// sentinel.ErrNotFound for an empty partition.
	Head(ctx context.Context, partition string) (Entry, error)

	// Range returns entries with from <= sequence <= to, ascending.
	Range(ctx context.Context, partition string, from, to int64) ([]Entry, error)

	// Query returns entries matching the filter, ascending by sequence.
	Query(ctx context.Context, filter Filter) ([]Entry, error)

	// HasEvent reports whether an entry for the event already exists in
	// the partition.
	HasEvent(ctx context.Context, partition string, eventID uuid.UUID) (bool, error)

	// ArchiveBefore moves entries older than the cutoff to the archive
	// and returns how many moved. Entries are never deleted outright.
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/encryption"
	"custodia/internal/encryption/store/keyring"
	"custodia/internal/ledger"
	"custodia/internal/ledger/store/entry"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"
)

func newCrypto(t *testing.T) *encryption.Service {
	t.Helper()
	master := bytes.Repeat([]byte{0x42}, 32)
	svc, err := encryption.New(master, keyring.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, svc.EnsureKeys(context.Background()))
	return svc
}

func newService(t *testing.T) (*ledger.Service, *entry.MemoryStore, *encryption.Service) {
	t.Helper()
	store := entry.NewMemoryStore()
	crypto := newCrypto(t)
	return ledger.New(store, crypto), store, crypto
}

func recordAccessDraft(partition string) ledger.Draft {
	return ledger.Draft{
		Partition:    partition,
		ActorID:      "clinician-7",
		Action:       "read",
		ResourceType: "patient_record",
		ResourceID:   "rec-100",
		Outcome:      ledger.OutcomeSuccess,
		SubjectID:    "patient-1",
		Details: map[string]string{
			"mrn":             "MRN-0042",
			"accessed_fields": "diagnosis,medications",
		},
	}
}

func TestAppend_BuildsChain(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, ledger.GenesisHash, first.PrevHash)
	assert.Len(t, first.EntryHash, 64)

	second, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)
}

func TestAppend_PartitionsHaveIndependentChains(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)
	b, err := svc.Append(ctx, recordAccessDraft("tenant-b"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(1), b.Sequence)
	assert.Equal(t, ledger.GenesisHash, b.PrevHash)
}

func TestAppend_EncryptsManifestFieldsOnly(t *testing.T) {
	svc, _, crypto := newService(t)
	ctx := context.Background()

	draft := recordAccessDraft("tenant-a")
	draft.Details["request_id"] = "req-555" // not in the manifest

	appended, err := svc.Append(ctx, draft)
	require.NoError(t, err)

	plaintext, err := crypto.Decrypt(ctx, appended.Details, encryption.Context{
		Classification: encryption.ClassificationClinical,
		SubjectID:      draft.SubjectID,
	})
	require.NoError(t, err)

	var details map[string]string
	require.NoError(t, json.Unmarshal(plaintext, &details))
	assert.Equal(t, "MRN-0042", details["mrn"])
	assert.NotContains(t, details, "request_id")
}

func TestAppend_UnknownResourceTypeRejected(t *testing.T) {
	svc, _, _ := newService(t)

	draft := recordAccessDraft("tenant-a")
	draft.ResourceType = "unregistered_thing"

	_, err := svc.Append(context.Background(), draft)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeInvalidInput, dErrors.CodeOf(err))
}

func TestAppend_FailsClosedWithoutKeys(t *testing.T) {
	// A service whose key store was never initialized cannot encrypt, so no
	// entry may be written.
	store := entry.NewMemoryStore()
	master := bytes.Repeat([]byte{0x42}, 32)
	crypto, err := encryption.New(master, keyring.NewMemoryStore())
	require.NoError(t, err)
	svc := ledger.New(store, crypto)

	_, err = svc.Append(context.Background(), recordAccessDraft("tenant-a"))
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeEncryptionFailure, dErrors.CodeOf(err))

	_, err = store.Head(context.Background(), "tenant-a")
	assert.Error(t, err, "no entry may exist after a failed append")
}

func TestVerify_CleanChain(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
		require.NoError(t, err)
	}

	result, err := svc.Verify(ctx, "tenant-a", 1, 10)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(10), result.Checked)
	assert.Zero(t, result.BrokenSequence)
}

func TestVerify_DetectsCorruptedCiphertext(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
		require.NoError(t, err)
	}

	require.True(t, store.Tamper("tenant-a", 23, func(e *ledger.Entry) {
		e.Details.Bytes[0] ^= 0xFF
	}))

	result, err := svc.Verify(ctx, "tenant-a", 1, 50)
	require.Error(t, err)
	var integrity *ledger.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(23), integrity.Sequence)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(23), result.BrokenSequence)
}

func TestVerify_DetectsRewrittenField(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
		require.NoError(t, err)
	}

	// Rewriting a plaintext column breaks the hash even though the chain
	// linkage fields are untouched.
	require.True(t, store.Tamper("tenant-a", 3, func(e *ledger.Entry) {
		e.ActorID = "someone-else"
	}))

	result, err := svc.Verify(ctx, "tenant-a", 1, 5)
	require.Error(t, err)
	assert.Equal(t, int64(3), result.BrokenSequence)
}

func TestVerify_AnchoredSubrange(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
		require.NoError(t, err)
	}

	result, err := svc.Verify(ctx, "tenant-a", 5, 10)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(6), result.Checked)
}

func TestVerify_InvalidRange(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Verify(context.Background(), "tenant-a", 0, 10)
	assert.Equal(t, dErrors.CodeInvalidInput, dErrors.CodeOf(err))

	_, err = svc.Verify(context.Background(), "tenant-a", 5, 2)
	assert.Equal(t, dErrors.CodeInvalidInput, dErrors.CodeOf(err))
}

func TestQuery_FiltersByActorAndResource(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	base := recordAccessDraft("tenant-a")
	_, err := svc.Append(ctx, base)
	require.NoError(t, err)

	other := recordAccessDraft("tenant-a")
	other.ActorID = "clinician-9"
	other.ResourceID = "rec-200"
	_, err = svc.Append(ctx, other)
	require.NoError(t, err)

	entries, err := svc.Query(ctx, ledger.Filter{Partition: "tenant-a", ActorID: "clinician-9"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rec-200", entries[0].ResourceID)

	entries, err = svc.Query(ctx, ledger.Filter{Partition: "tenant-a", ResourceID: "rec-100"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "clinician-7", entries[0].ActorID)
}

func TestQuery_RequiresPartition(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Query(context.Background(), ledger.Filter{})
	assert.Equal(t, dErrors.CodeInvalidInput, dErrors.CodeOf(err))
}

func TestQuery_PayloadsStayEncrypted(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)

	entries, err := svc.Query(ctx, ledger.Filter{Partition: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, string(entries[0].Details.Bytes), "MRN-0042")
}

func TestArchiveBefore_MovesAgedEntries(t *testing.T) {
	store := entry.NewMemoryStore()
	crypto := newCrypto(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-7 * 365 * 24 * time.Hour)
	svc := ledger.New(store, crypto,
		ledger.WithClock(func() time.Time { return clock }),
		ledger.WithRetention(6*365*24*time.Hour),
	)
	ctx := context.Background()

	// Two entries written seven years ago, one written now.
	for i := 0; i < 2; i++ {
		_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
		require.NoError(t, err)
	}
	clock = now
	_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)

	moved, err := svc.ArchiveBefore(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	assert.Equal(t, 2, store.ArchivedCount())

	head, err := store.Head(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head.Sequence)

	// Appends keep working after the archive shrank the live chain.
	next, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Sequence)
	assert.Equal(t, head.EntryHash, next.PrevHash)
}

func TestAppend_ContinuesChainAfterFullArchive(t *testing.T) {
	store := entry.NewMemoryStore()
	crypto := newCrypto(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-7 * 365 * 24 * time.Hour)
	svc := ledger.New(store, crypto,
		ledger.WithClock(func() time.Time { return clock }),
		ledger.WithRetention(6*365*24*time.Hour),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
		require.NoError(t, err)
	}
	clock = now

	moved, err := svc.ArchiveBefore(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), moved)

	// The partition is fully archived; the next entry continues the chain
	// from the archived head instead of restarting at genesis.
	next, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Sequence)
	assert.NotEqual(t, ledger.GenesisHash, next.PrevHash)
}

func TestAppend_DuplicateEventSurfaces(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	draft := recordAccessDraft("tenant-a")
	draft.EventID = uuid.New()

	_, err := svc.Append(ctx, draft)
	require.NoError(t, err)

	_, err = svc.Append(ctx, draft)
	require.Error(t, err)
}

func TestAppend_ManyPartitionsStayConsistent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		draft := recordAccessDraft(fmt.Sprintf("tenant-%d", i%3))
		_, err := svc.Append(ctx, draft)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		result, err := svc.Verify(ctx, fmt.Sprintf("tenant-%d", i), 1, 10)
		require.NoError(t, err)
		assert.True(t, result.Valid)
	}
}

func TestTamperDetectionLifecycle(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	testutil.NewScenario(t).
		Given("a partition with ten chained entries", func(t *testing.T) {
			for i := 0; i < 10; i++ {
				_, err := svc.Append(ctx, recordAccessDraft("tenant-a"))
				require.NoError(t, err)
			}
			result, err := svc.Verify(ctx, "tenant-a", 1, 10)
			require.NoError(t, err)
			require.True(t, result.Valid)
		}).
		When("an entry in the middle is rewritten in place", func(t *testing.T) {
			require.True(t, store.Tamper("tenant-a", 6, func(e *ledger.Entry) {
				e.Outcome = ledger.OutcomeFailure
			}))
		}).
		Then("verification reports the first broken sequence", func(t *testing.T) {
			result, err := svc.Verify(ctx, "tenant-a", 1, 10)
			var integrity *ledger.IntegrityError
			require.ErrorAs(t, err, &integrity)
			assert.False(t, result.Valid)
			assert.Equal(t, int64(6), result.BrokenSequence)
		})
}

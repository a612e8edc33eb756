package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/encryption"
	"custodia/internal/encryption/store/keyring"
	"custodia/internal/eventbus"
	"custodia/internal/eventbus/store/deadletter"
	"custodia/internal/eventbus/store/outbox"
	"custodia/internal/ledger"
	"custodia/internal/ledger/store/entry"
	"custodia/internal/platform/logger"
	"custodia/pkg/platform/circuit"
	"custodia/pkg/testutil"
)

var testSigningKey = []byte("test-signing-key")

type fixture struct {
	handler     *Handler
	router      http.Handler
	entries     *entry.MemoryStore
	crypto      *encryption.Service
	ledger      *ledger.Service
	breakers    *circuit.Registry
	deadLetters *deadletter.MemoryStore
	outbox      *outbox.MemoryStore
	bus         *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	crypto, err := encryption.New(bytes.Repeat([]byte{0x42}, 32), keyring.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, crypto.EnsureKeys(context.Background()))

	entries := entry.NewMemoryStore()
	ledgerSvc := ledger.New(entries, crypto)
	breakers := circuit.NewRegistry()
	deadLetters := deadletter.NewMemoryStore()
	outboxStore := outbox.NewMemoryStore()
	bus := eventbus.New(outboxStore)

	h := New(ledgerSvc, crypto, bus, breakers, deadLetters, nil, testSigningKey, logger.New("error"))

	return &fixture{
		handler:     h,
		router:      h.Router(),
		entries:     entries,
		crypto:      crypto,
		ledger:      ledgerSvc,
		breakers:    breakers,
		deadLetters: deadLetters,
		outbox:      outboxStore,
		bus:         bus,
	}
}

func operatorToken(t *testing.T, role string) string {
	t.Helper()
	claims := operatorClaims(role)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	require.NoError(t, err)
	return token
}

func operatorClaims(role string) jwt.Claims {
	return jwt.MapClaims{
		"sub":  "ops@example.org",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewJSONRequest(t, method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return testutil.DoRequest(f.router, req)
}

func TestRouter_RequiresOperatorToken(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/audit/entries?partition=tenant-a", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/audit/entries?partition=tenant-a", nil, operatorToken(t, "viewer"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouter_HealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListEntries_ReturnsAndAuditsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, ledger.Draft{
		Partition:    "tenant-a",
		ActorID:      "clinician-7",
		Action:       "read",
		ResourceType: "patient_record",
		ResourceID:   "rec-1",
		Outcome:      ledger.OutcomeSuccess,
	})
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/audit/entries?partition=tenant-a", nil, operatorToken(t, "operator"))
	require.Equal(t, http.StatusOK, rr.Code)

	body := testutil.UnmarshalResponse[struct {
		Entries []ledger.Entry `json:"entries"`
	}](t, rr)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "clinician-7", body.Entries[0].ActorID)

	// The read itself is now the chain head.
	head, err := f.entries.Head(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "audit_trail", head.ResourceType)
	assert.Equal(t, "audit.query", head.Action)
	assert.Equal(t, "ops@example.org", head.ActorID)
}

func TestVerify_ReportsBrokenChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.ledger.Append(ctx, ledger.Draft{
			Partition:    "tenant-a",
			ActorID:      "clinician-7",
			Action:       "read",
			ResourceType: "patient_record",
			ResourceID:   "rec-1",
			Outcome:      ledger.OutcomeSuccess,
		})
		require.NoError(t, err)
	}
	require.True(t, f.entries.Tamper("tenant-a", 3, func(e *ledger.Entry) {
		e.ActorID = "intruder"
	}))

	rr := f.do(t, http.MethodPost, "/audit/verify", verifyRequest{Partition: "tenant-a", From: 1, To: 5}, operatorToken(t, "operator"))
	require.Equal(t, http.StatusOK, rr.Code)

	result := testutil.UnmarshalResponse[ledger.VerificationResult](t, rr)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), result.BrokenSequence)
}

func TestBreakers_ListAndReset(t *testing.T) {
	f := newFixture(t)
	f.breakers.Get("subscriber:ledger")

	rr := f.do(t, http.MethodGet, "/breakers", nil, operatorToken(t, "operator"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := testutil.UnmarshalResponse[struct {
		Breakers []circuit.Snapshot `json:"breakers"`
	}](t, rr)
	require.Len(t, body.Breakers, 1)
	assert.Equal(t, "subscriber:ledger", body.Breakers[0].Name)

	rr = f.do(t, http.MethodPost, "/breakers/subscriber:ledger/reset", nil, operatorToken(t, "operator"))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/breakers/unknown/reset", nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
}

func TestDeadLetters_ListAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dl := eventbus.DeadLetter{
		Envelope: eventbus.Envelope{
			ID:           uuid.New(),
			Type:         "record.accessed",
			PartitionKey: "patient-1",
			Status:       eventbus.StatusDeadLettered,
		},
		FailedAt:  time.Now(),
		LastError: "delivery attempts exhausted",
	}
	require.NoError(t, f.deadLetters.Add(ctx, dl))

	rr := f.do(t, http.MethodGet, "/deadletters", nil, operatorToken(t, "operator"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := testutil.UnmarshalResponse[struct {
		DeadLetters []eventbus.DeadLetter `json:"dead_letters"`
	}](t, rr)
	require.Len(t, body.DeadLetters, 1)

	path := "/deadletters/" + dl.Envelope.ID.String() + "/ack"
	rr = f.do(t, http.MethodPost, path, nil, operatorToken(t, "operator"))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, path, nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusConflict, "conflict")

	rr = f.do(t, http.MethodPost, "/deadletters/not-a-uuid/ack", nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

func TestRotateKey(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/keys/clinical/rotate", nil, operatorToken(t, "operator"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := testutil.UnmarshalResponse[struct {
		Version int `json:"version"`
	}](t, rr)
	assert.Equal(t, 2, body.Version)

	rr = f.do(t, http.MethodPost, "/keys/bogus/rotate", nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

func TestRotateKey_PublishesEvent(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/keys/clinical/rotate", nil, operatorToken(t, "operator"))
	require.Equal(t, http.StatusOK, rr.Code)

	envelopes, err := f.outbox.Replay(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "key.rotated", envelopes[0].Type)
	assert.Equal(t, "encryption-keys", envelopes[0].PartitionKey)

	var event ledger.AuditEvent
	require.NoError(t, json.Unmarshal(envelopes[0].Payload, &event))
	assert.Equal(t, "ops@example.org", event.ActorID)
	assert.Equal(t, "encryption_key", event.ResourceType)
	assert.Equal(t, "2", event.Details["new_version"])
}

func TestListEntries_MissingPartition(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/audit/entries", nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")

	rr = f.do(t, http.MethodPost, "/audit/verify", verifyRequest{From: 1, To: 5}, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

func TestListEntries_InvalidFilters(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/audit/entries?partition=tenant-a&from=yesterday", nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")

	rr = f.do(t, http.MethodGet, "/audit/entries?partition=tenant-a&limit=-1", nil, operatorToken(t, "operator"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

func TestReplay_UnknownSubscriber(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/audit/replay", replayRequest{Subscriber: "nobody"}, operatorToken(t, "operator"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	body := testutil.UnmarshalResponse[map[string]string](t, rr)
	assert.False(t, strings.Contains((*body)["error"], "nobody"), "internal detail must not leak")
}

//go:build integration

package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custodia/internal/eventbus"
	"custodia/internal/eventbus/store/outbox"
	txcontext "custodia/pkg/platform/tx"
	"custodia/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *outbox.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = outbox.NewPostgres(s.postgres.Pool)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "outbox"))
}

func (s *PostgresStoreSuite) appendEnvelope(partition string) eventbus.Envelope {
	env := eventbus.Envelope{
		ID:           uuid.New(),
		Type:         "record.accessed",
		PartitionKey: partition,
		Payload:      []byte(`{}`),
		OccurredAt:   time.Now().UTC(),
		Status:       eventbus.StatusPending,
		VisibleAfter: time.Now().UTC().Add(-time.Second),
	}
	s.Require().NoError(s.store.Append(context.Background(), env))
	return env
}

func (s *PostgresStoreSuite) TestClaimOnePerPartition() {
	ctx := context.Background()
	a1 := s.appendEnvelope("a")
	s.appendEnvelope("a")
	b1 := s.appendEnvelope("b")

	claimed, err := s.store.Claim(ctx, 10, 30*time.Second)
	s.Require().NoError(err)
	s.Require().Len(claimed, 2)
	ids := []uuid.UUID{claimed[0].ID, claimed[1].ID}
	s.ElementsMatch([]uuid.UUID{a1.ID, b1.ID}, ids)

	// Leased envelopes are invisible to a second claim.
	claimed, err = s.store.Claim(ctx, 10, 30*time.Second)
	s.Require().NoError(err)
	s.Empty(claimed)
}

func (s *PostgresStoreSuite) TestLeaseLapseReclaims() {
	ctx := context.Background()
	env := s.appendEnvelope("a")

	claimed, err := s.store.Claim(ctx, 10, time.Second)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	time.Sleep(1500 * time.Millisecond)

	claimed, err = s.store.Claim(ctx, 10, 30*time.Second)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(env.ID, claimed[0].ID)
}

func (s *PostgresStoreSuite) TestDeliveredUnblocksPartition() {
	ctx := context.Background()
	head := s.appendEnvelope("a")
	next := s.appendEnvelope("a")

	claimed, err := s.store.Claim(ctx, 10, 30*time.Second)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Require().Equal(head.ID, claimed[0].ID)

	s.Require().NoError(s.store.MarkDelivered(ctx, head.ID, []string{"ledger"}))

	claimed, err = s.store.Claim(ctx, 10, 30*time.Second)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(next.ID, claimed[0].ID)
	s.Empty(claimed[0].DeliveredTo)
}

func (s *PostgresStoreSuite) TestPublishRollsBackWithTransaction() {
	ctx := context.Background()

	tx, err := s.postgres.Pool.Begin(ctx)
	s.Require().NoError(err)
	txCtx := txcontext.WithPgx(ctx, tx)

	env := eventbus.Envelope{
		ID:           uuid.New(),
		Type:         "record.accessed",
		PartitionKey: "a",
		Payload:      []byte(`{}`),
		OccurredAt:   time.Now().UTC(),
		Status:       eventbus.StatusPending,
		VisibleAfter: time.Now().UTC(),
	}
	s.Require().NoError(s.store.Append(txCtx, env))
	s.Require().NoError(tx.Rollback(ctx))

	// The rolled-back event never existed.
	n, err := s.store.PendingCount(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *PostgresStoreSuite) TestRescheduleAndDeadLetter() {
	ctx := context.Background()
	env := s.appendEnvelope("a")

	visibleAfter := time.Now().UTC().Add(time.Minute)
	s.Require().NoError(s.store.Reschedule(ctx, env.ID, []string{"ledger"}, 3, visibleAfter))

	claimed, err := s.store.Claim(ctx, 10, 30*time.Second)
	s.Require().NoError(err)
	s.Empty(claimed, "backing-off envelope must not be claimable")

	s.Require().NoError(s.store.MarkDeadLettered(ctx, env.ID))
	n, err := s.store.PendingCount(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *PostgresStoreSuite) TestReplayOrdered() {
	ctx := context.Background()
	first := s.appendEnvelope("a")
	second := s.appendEnvelope("b")
	third := s.appendEnvelope("a")

	envelopes, err := s.store.Replay(ctx, 1, 10)
	s.Require().NoError(err)
	s.Require().Len(envelopes, 3)
	s.Equal(first.ID, envelopes[0].ID)
	s.Equal(second.ID, envelopes[1].ID)
	s.Equal(third.ID, envelopes[2].ID)
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodia/internal/eventbus"
	"custodia/pkg/platform/sentinel"
	txcontext "custodia/pkg/platform/tx"
)

// PostgresStore is the durable outbox. The claim path runs on pgx for
// FOR UPDATE SKIP LOCKED batch claiming under concurrent dispatcher workers.
//
// Schema:
//
//	CREATE TABLE outbox (
//	    id                UUID PRIMARY KEY,
//	    sequence          BIGSERIAL   NOT NULL UNIQUE,
//	    event_type        TEXT        NOT NULL,
//	    partition_key     TEXT        NOT NULL,
//	    payload           BYTEA       NOT NULL,
//	    occurred_at       TIMESTAMPTZ NOT NULL,
//	    delivery_attempts INT         NOT NULL DEFAULT 0,
//	    status            TEXT        NOT NULL DEFAULT 'pending',
//	    visible_after     TIMESTAMPTZ NOT NULL,
//	    delivered_to      TEXT[]      NOT NULL DEFAULT '{}'
//	);
//	CREATE INDEX outbox_claim_idx ON outbox (partition_key, sequence)
//	    WHERE status NOT IN ('delivered', 'dead_lettered');
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed outbox store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier covers both the pool and an in-flight transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) querier {
	if tx, ok := txcontext.FromPgx(ctx); ok {
		return tx
	}
	return s.pool
}

// Append inserts the envelope, joining the publisher's transaction when one
// is in context. Sequence is assigned by the database.
func (s *PostgresStore) Append(ctx context.Context, env eventbus.Envelope) error {
	query := `
		INSERT INTO outbox (id, event_type, partition_key, payload, occurred_at,
		                    delivery_attempts, status, visible_after, delivered_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}')
	`
	_, err := s.execer(ctx).Exec(ctx, query,
		env.ID,
		env.Type,
		env.PartitionKey,
		env.Payload,
		env.OccurredAt,
		env.DeliveryAttempts,
		string(env.Status),
		env.VisibleAfter,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert outbox envelope: %w", err)
	}
	return nil
}

// Claim picks the head envelope of up to limit partitions, skipping rows
// locked by other workers, and pushes their visibility lease forward.
func (s *PostgresStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]eventbus.Envelope, error) {
	query := `
		WITH heads AS (
			SELECT DISTINCT ON (partition_key) id
			FROM outbox
			WHERE status NOT IN ('delivered', 'dead_lettered')
			ORDER BY partition_key, sequence
		), claimed AS (
			SELECT o.id
			FROM outbox o
			JOIN heads h ON h.id = o.id
			WHERE o.visible_after <= now()
			ORDER BY o.sequence
			LIMIT $1
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE outbox SET visible_after = now() + make_interval(secs => $2)
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, sequence, event_type, partition_key, payload, occurred_at,
		          delivery_attempts, status, visible_after, delivered_to
	`
	rows, err := s.pool.Query(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredTo []string) error {
	query := `
		UPDATE outbox SET status = $2, delivered_to = $3
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, string(eventbus.StatusDelivered), deliveredTo)
	if err != nil {
		return fmt.Errorf("mark envelope delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Reschedule(ctx context.Context, id uuid.UUID, deliveredTo []string, attempts int, visibleAfter time.Time) error {
	query := `
		UPDATE outbox
		SET status = $2, delivered_to = $3, delivery_attempts = $4, visible_after = $5
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, string(eventbus.StatusFailed), deliveredTo, attempts, visibleAfter)
	if err != nil {
		return fmt.Errorf("reschedule envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkDeadLettered(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox SET status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(eventbus.StatusDeadLettered))
	if err != nil {
		return fmt.Errorf("mark envelope dead-lettered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Replay streams committed envelopes in sequence order for subscriber rebuild.
func (s *PostgresStore) Replay(ctx context.Context, fromSequence int64, limit int) ([]eventbus.Envelope, error) {
	query := `
		SELECT id, sequence, event_type, partition_key, payload, occurred_at,
		       delivery_attempts, status, visible_after, delivered_to
		FROM outbox
		WHERE sequence >= $1 AND status <> 'dead_lettered'
		ORDER BY sequence
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("replay outbox envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE status IN ('pending', 'failed')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending envelopes: %w", err)
	}
	return n, nil
}

func scanEnvelopes(rows pgx.Rows) ([]eventbus.Envelope, error) {
	var out []eventbus.Envelope
	for rows.Next() {
		var env eventbus.Envelope
		var status string
		err := rows.Scan(
			&env.ID,
			&env.Sequence,
			&env.Type,
			&env.PartitionKey,
			&env.Payload,
			&env.OccurredAt,
			&env.DeliveryAttempts,
			&status,
			&env.VisibleAfter,
			&env.DeliveredTo,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox envelope: %w", err)
		}
		env.Status = eventbus.Status(status)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox envelopes: %w", err)
	}
	return out, nil
}

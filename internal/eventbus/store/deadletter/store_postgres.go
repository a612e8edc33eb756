package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodia/internal/eventbus"
	"custodia/pkg/platform/sentinel"
)

// PostgresStore persists dead letters.
//
// Schema:
//
//	CREATE TABLE dead_letters (
//	    id                UUID PRIMARY KEY,
//	    sequence          BIGINT      NOT NULL,
//	    event_type        TEXT        NOT NULL,
//	    partition_key     TEXT        NOT NULL,
//	    payload           BYTEA       NOT NULL,
//	    occurred_at       TIMESTAMPTZ NOT NULL,
//	    delivery_attempts INT         NOT NULL,
//	    failed_at         TIMESTAMPTZ NOT NULL,
//	    last_error        TEXT        NOT NULL,
//	    acked_by          TEXT,
//	    acked_at          TIMESTAMPTZ
//	);
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgres constructs a PostgreSQL-backed dead-letter store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresStore) Add(ctx context.Context, dl eventbus.DeadLetter) error {
	query := `
		INSERT INTO dead_letters (id, sequence, event_type, partition_key, payload,
		                          occurred_at, delivery_attempts, failed_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		dl.Envelope.ID,
		dl.Envelope.Sequence,
		dl.Envelope.Type,
		dl.Envelope.PartitionKey,
		dl.Envelope.Payload,
		dl.Envelope.OccurredAt,
		dl.Envelope.DeliveryAttempts,
		dl.FailedAt,
		dl.LastError,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, includeAcked bool) ([]eventbus.DeadLetter, error) {
	query := `
		SELECT id, sequence, event_type, partition_key, payload, occurred_at,
		       delivery_attempts, failed_at, last_error, acked_by, acked_at
		FROM dead_letters
	`
	if !includeAcked {
		query += ` WHERE acked_at IS NULL`
	}
	query += ` ORDER BY failed_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []eventbus.DeadLetter
	for rows.Next() {
		var dl eventbus.DeadLetter
		var ackedBy sql.NullString
		var ackedAt sql.NullTime
		err := rows.Scan(
			&dl.Envelope.ID,
			&dl.Envelope.Sequence,
			&dl.Envelope.Type,
			&dl.Envelope.PartitionKey,
			&dl.Envelope.Payload,
			&dl.Envelope.OccurredAt,
			&dl.Envelope.DeliveryAttempts,
			&dl.FailedAt,
			&dl.LastError,
			&ackedBy,
			&ackedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Envelope.Status = eventbus.StatusDeadLettered
		if ackedBy.Valid {
			dl.AckedBy = ackedBy.String
		}
		if ackedAt.Valid {
			t := ackedAt.Time
			dl.AckedAt = &t
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ack(ctx context.Context, id uuid.UUID, operator string) error {
	query := `
		UPDATE dead_letters SET acked_by = $2, acked_at = $3
		WHERE id = $1 AND acked_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, id, operator, s.clock())
	if err != nil {
		return fmt.Errorf("ack dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack dead letter: %w", err)
	}
	if n == 0 {
		// Either unknown or already acknowledged; disambiguate for callers.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM dead_letters WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check dead letter: %w", err)
		}
		if exists {
			return sentinel.ErrAlreadyAcked
		}
		return sentinel.ErrNotFound
	}
	return nil
}

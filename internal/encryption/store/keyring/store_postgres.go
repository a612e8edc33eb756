package keyring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"custodia/internal/encryption"
	"custodia/pkg/platform/sentinel"
)

// PostgresStore persists the key registry.
//
// Schema:
//
//	CREATE TABLE encryption_keys (
//	    classification TEXT        NOT NULL,
//	    version        INT         NOT NULL,
//	    salt           BYTEA       NOT NULL,
//	    algorithm      TEXT        NOT NULL,
//	    status         TEXT        NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (classification, version)
//	);
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgres constructs a PostgreSQL-backed key registry.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresStore) Create(ctx context.Context, key encryption.Key) error {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	query := `
		INSERT INTO encryption_keys (classification, version, salt, algorithm, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(key.Classification),
		key.Version,
		key.Salt,
		key.Algorithm,
		string(key.Status),
		createdAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert encryption key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, classification encryption.Classification, version int) (encryption.Key, error) {
	query := `
		SELECT classification, version, salt, algorithm, status, created_at
		FROM encryption_keys
		WHERE classification = $1 AND version = $2
	`
	return scanKey(s.db.QueryRowContext(ctx, query, string(classification), version))
}

func (s *PostgresStore) Active(ctx context.Context, classification encryption.Classification) (encryption.Key, error) {
	query := `
		SELECT classification, version, salt, algorithm, status, created_at
		FROM encryption_keys
		WHERE classification = $1 AND status = $2
		ORDER BY version DESC
		LIMIT 1
	`
	return scanKey(s.db.QueryRowContext(ctx, query, string(classification), string(encryption.KeyStatusActive)))
}

func (s *PostgresStore) Retire(ctx context.Context, classification encryption.Classification, version int) error {
	query := `
		UPDATE encryption_keys SET status = $3
		WHERE classification = $1 AND version = $2
	`
	res, err := s.db.ExecContext(ctx, query, string(classification), version, string(encryption.KeyStatusRetired))
	if err != nil {
		return fmt.Errorf("retire encryption key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanKey(row *sql.Row) (encryption.Key, error) {
	var key encryption.Key
	var classification, status string
	err := row.Scan(&classification, &key.Version, &key.Salt, &key.Algorithm, &status, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return encryption.Key{}, sentinel.ErrNotFound
		}
		return encryption.Key{}, fmt.Errorf("scan encryption key: %w", err)
	}
	key.Classification = encryption.Classification(classification)
	key.Status = encryption.KeyStatus(status)
	return key, nil
}

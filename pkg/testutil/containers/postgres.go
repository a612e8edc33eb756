//go:build integration

// Package containers starts throwaway backing services for integration
// tests.
package containers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// schema creates every table the stores persist to.
const schema = `
CREATE TABLE IF NOT EXISTS encryption_keys (
    classification TEXT        NOT NULL,
    version        INT         NOT NULL,
    salt           BYTEA       NOT NULL,
    algorithm      TEXT        NOT NULL,
    status         TEXT        NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (classification, version)
);

CREATE TABLE IF NOT EXISTS outbox (
    id                UUID PRIMARY KEY,
    sequence          BIGSERIAL   NOT NULL UNIQUE,
    event_type        TEXT        NOT NULL,
    partition_key     TEXT        NOT NULL,
    payload           BYTEA       NOT NULL,
    occurred_at       TIMESTAMPTZ NOT NULL,
    delivery_attempts INT         NOT NULL DEFAULT 0,
    status            TEXT        NOT NULL DEFAULT 'pending',
    visible_after     TIMESTAMPTZ NOT NULL,
    delivered_to      TEXT[]      NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS outbox_claim_idx ON outbox (partition_key, sequence)
    WHERE status NOT IN ('delivered', 'dead_lettered');

CREATE TABLE IF NOT EXISTS dead_letters (
    id                UUID PRIMARY KEY,
    sequence          BIGINT      NOT NULL,
    event_type        TEXT        NOT NULL,
    partition_key     TEXT        NOT NULL,
    payload           BYTEA       NOT NULL,
    occurred_at       TIMESTAMPTZ NOT NULL,
    delivery_attempts INT         NOT NULL,
    failed_at         TIMESTAMPTZ NOT NULL,
    last_error        TEXT        NOT NULL,
    acked_by          TEXT,
    acked_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_ledger (
    partition     TEXT        NOT NULL,
    sequence      BIGINT      NOT NULL,
    prev_hash     TEXT        NOT NULL,
    entry_hash    TEXT        NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    actor_id      TEXT        NOT NULL,
    action        TEXT        NOT NULL,
    resource_type TEXT        NOT NULL,
    resource_id   TEXT        NOT NULL,
    outcome       TEXT        NOT NULL,
    event_id      UUID,
    subject_id    TEXT        NOT NULL DEFAULT '',
    payload       BYTEA       NOT NULL,
    nonce         BYTEA       NOT NULL,
    key_version   INT         NOT NULL,
    algorithm     TEXT        NOT NULL,
    PRIMARY KEY (partition, sequence)
);
CREATE UNIQUE INDEX IF NOT EXISTS audit_ledger_event ON audit_ledger (partition, event_id)
    WHERE event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS audit_ledger_ts ON audit_ledger (partition, ts);

CREATE TABLE IF NOT EXISTS audit_ledger_archive (LIKE audit_ledger INCLUDING ALL);
`

// PostgresContainer wraps a testcontainers Postgres instance with both
// database handles the stores use.
type PostgresContainer struct {
	Container testcontainers.Container
	URL       string
	DB        *sql.DB
	Pool      *pgxpool.Pool
}

// NewPostgresContainer starts a Postgres container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("custodia_test"),
		tcpostgres.WithUsername("custodia"),
		tcpostgres.WithPassword("custodia"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, schema); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("failed to open pgx pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &PostgresContainer{Container: container, URL: url, DB: db, Pool: pool}
}

// TruncateTables clears the given tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		if _, err := p.DB.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return err
		}
	}
	return nil
}

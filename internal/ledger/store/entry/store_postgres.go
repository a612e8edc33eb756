package entry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodia/internal/ledger"
	"custodia/pkg/platform/sentinel"
	txcontext "custodia/pkg/platform/tx"
)

// PostgresStore persists the audit chain. The application role gets INSERT
// and SELECT only on audit_ledger; immutability is a grant, not a convention.
//
// Schema:
//
//	CREATE TABLE audit_ledger (
//	    partition     TEXT        NOT NULL,
//	    sequence      BIGINT      NOT NULL,
//	    prev_hash     TEXT        NOT NULL,
//	    entry_hash    TEXT        NOT NULL,
//	    ts            TIMESTAMPTZ NOT NULL,
//	    actor_id      TEXT        NOT NULL,
//	    action        TEXT        NOT NULL,
//	    resource_type TEXT        NOT NULL,
//	    resource_id   TEXT        NOT NULL,
//	    outcome       TEXT        NOT NULL,
//	    event_id      UUID,
//	    subject_id    TEXT        NOT NULL DEFAULT '',
//	    payload       BYTEA       NOT NULL,
//	    nonce         BYTEA       NOT NULL,
//	    key_version   INT         NOT NULL,
//	    algorithm     TEXT        NOT NULL,
//	    PRIMARY KEY (partition, sequence)
//	);
//	CREATE UNIQUE INDEX audit_ledger_event ON audit_ledger (partition, event_id)
//	    WHERE event_id IS NOT NULL;
//	CREATE INDEX audit_ledger_ts ON audit_ledger (partition, ts);
//
//	CREATE TABLE audit_ledger_archive (LIKE audit_ledger INCLUDING ALL);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed entry store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `partition, sequence, prev_hash, entry_hash, ts,
	actor_id, action, resource_type, resource_id, outcome,
	event_id, subject_id, payload, nonce, key_version, algorithm`

// execer joins the caller's transaction when one is in context.
func (s *PostgresStore) execer(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, entry ledger.Entry) error {
	query := `
		INSERT INTO audit_ledger (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	var eventID any
	if entry.EventID != uuid.Nil {
		eventID = entry.EventID
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		entry.Partition,
		entry.Sequence,
		entry.PrevHash,
		entry.EntryHash,
		entry.Timestamp,
		entry.ActorID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		string(entry.Outcome),
		eventID,
		entry.SubjectID,
		entry.Details.Bytes,
		entry.Details.Nonce,
		entry.Details.KeyVersion,
		entry.Details.Algorithm,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			if strings.Contains(pqErr.Constraint, "event") {
				return sentinel.ErrDuplicate
			}
			// Sequence race: another writer extended the chain first.
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Head returns the newest entry for the partition. When every live entry has
// been archived it falls back to the archive head, so the next append
// continues the chain instead of restarting at genesis.
func (s *PostgresStore) Head(ctx context.Context, partition string) (ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_ledger
		WHERE partition = $1
		ORDER BY sequence DESC
		LIMIT 1
	`
	head, err := scanEntry(s.execer(ctx).QueryRowContext(ctx, query, partition))
	if !errors.Is(err, sentinel.ErrNotFound) {
		return head, err
	}
	archiveQuery := `
		SELECT ` + entryColumns + `
		FROM audit_ledger_archive
		WHERE partition = $1
		ORDER BY sequence DESC
		LIMIT 1
	`
	return scanEntry(s.execer(ctx).QueryRowContext(ctx, archiveQuery, partition))
}

func (s *PostgresStore) Range(ctx context.Context, partition string, from, to int64) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_ledger
		WHERE partition = $1 AND sequence BETWEEN $2 AND $3
		ORDER BY sequence
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, partition, from, to)
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) Query(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_ledger
		WHERE partition = $1
	`
	args := []any{filter.Partition}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		query += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if filter.ResourceType != "" {
		args = append(args, filter.ResourceType)
		query += fmt.Sprintf(" AND resource_type = $%d", len(args))
	}
	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		query += fmt.Sprintf(" AND resource_id = $%d", len(args))
	}
	query += " ORDER BY sequence"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) HasEvent(ctx context.Context, partition string, eventID uuid.UUID) (bool, error) {
	if eventID == uuid.Nil {
		return false, nil
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM audit_ledger WHERE partition = $1 AND event_id = $2
			UNION ALL
			SELECT 1 FROM audit_ledger_archive WHERE partition = $1 AND event_id = $2
		)
	`
	var exists bool
	if err := s.execer(ctx).QueryRowContext(ctx, query, partition, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check audit event: %w", err)
	}
	return exists, nil
}

// ArchiveBefore moves aged entries into audit_ledger_archive in one
// transaction. The move runs under a role that may delete from the live
// table; the application role cannot.
func (s *PostgresStore) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `
		WITH moved AS (
			DELETE FROM audit_ledger
			WHERE ts < $1
			RETURNING *
		)
		INSERT INTO audit_ledger_archive SELECT * FROM moved
	`
	res, err := tx.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive audit entries: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count archived entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive transaction: %w", err)
	}
	return moved, nil
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		entry, err := scanEntryFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row *sql.Row) (ledger.Entry, error) {
	entry, err := scanEntryFrom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, sentinel.ErrNotFound
		}
		return ledger.Entry{}, err
	}
	return entry, nil
}

func scanEntryFrom(scan func(dest ...any) error) (ledger.Entry, error) {
	var entry ledger.Entry
	var outcome string
	var eventID uuid.NullUUID
	err := scan(
		&entry.Partition,
		&entry.Sequence,
		&entry.PrevHash,
		&entry.EntryHash,
		&entry.Timestamp,
		&entry.ActorID,
		&entry.Action,
		&entry.ResourceType,
		&entry.ResourceID,
		&outcome,
		&eventID,
		&entry.SubjectID,
		&entry.Details.Bytes,
		&entry.Details.Nonce,
		&entry.Details.KeyVersion,
		&entry.Details.Algorithm,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	entry.Outcome = ledger.Outcome(outcome)
	if eventID.Valid {
		entry.EventID = eventID.UUID
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return entry, nil
}

// Package tx carries an open database transaction through context so that
// stores can join the caller's unit of work. This is what makes the
// transactional outbox work: Publish writes its envelope through the same
// transaction as the domain write that triggered it.
package tx

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
)

type sqlKey struct{}
type pgxKey struct{}

// WithTx stores a database/sql transaction in context for downstream stores.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, sqlKey{}, tx)
}

// From extracts a database/sql transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(sqlKey{}).(*sql.Tx)
	return tx, ok
}

// WithPgx stores a pgx transaction in context. The outbox store claims and
// writes through pgx, so publishers using pgx pools join via this variant.
func WithPgx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, pgxKey{}, tx)
}

// FromPgx extracts a pgx transaction from context if present.
func FromPgx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(pgxKey{}).(pgx.Tx)
	return tx, ok
}

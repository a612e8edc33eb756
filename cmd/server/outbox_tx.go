package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	dErrors "custodia/pkg/domain-errors"
	txcontext "custodia/pkg/platform/tx"
)

const defaultOutboxTxTimeout = 5 * time.Second

// outboxPgxTx is the transaction scope domain callers publish through. fn
// runs with an open transaction in context, so state changes and their
// outbox writes commit or roll back together; the rollback runs on every
// exit path, success, error, or panic.
type outboxPgxTx struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func newOutboxPgxTx(pool *pgxpool.Pool) *outboxPgxTx {
	return &outboxPgxTx{pool: pool}
}

func (t *outboxPgxTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultOutboxTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(txcontext.WithPgx(ctx, tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

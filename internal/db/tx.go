package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fema-etl/internal/resilience"
)

// WithTx runs fn inside a transaction. Begin is retried per retry so a
// briefly unavailable server does not fail the batch; fn itself is not
// retried. The transaction is rolled back unless fn and Commit succeed.
func WithTx(ctx context.Context, pool Pool, retry resilience.RetryConfig, fn func(tx pgx.Tx) error) error {
	tx, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (pgx.Tx, error) {
		return pool.Begin(ctx)
	})
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

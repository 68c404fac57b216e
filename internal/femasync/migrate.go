// Package femasync loads OpenFEMA disaster data into the warehouse and keeps
// the per-process run ledger.
package femasync

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/db"
	"github.com/sells-group/fema-etl/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// LedgerMigration creates fema.etl_control.
const LedgerMigration = "003_etl_control.sql"

// migrationLockKey is the pg_advisory_xact_lock key ("FEMA").
const migrationLockKey int64 = 0x46454d41

// querier is satisfied by both a pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Migrate applies every pending migration in lexicographic order inside one
// transaction. A transaction-scoped advisory lock serializes concurrent
// callers; the second caller finds nothing left to apply. Either all pending
// files and their schema_migrations rows commit, or none do.
func Migrate(ctx context.Context, pool db.Pool, retry resilience.RetryConfig) error {
	log := zap.L().With(zap.String("component", "femasync.migrate"))

	names, err := migrationNames()
	if err != nil {
		return err
	}

	var count int
	err = db.WithTx(ctx, pool, retry, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
			return eris.Wrap(err, "femasync: acquire migration lock")
		}

		if err := ensureMigrationTable(ctx, tx); err != nil {
			return err
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, name := range names {
			if applied[name] {
				continue
			}

			data, err := migrationFS.ReadFile("migrations/" + name)
			if err != nil {
				return eris.Wrapf(err, "femasync: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "femasync: apply migration %s", name)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO fema.schema_migrations (filename, applied_at) VALUES ($1, now())",
				name,
			); err != nil {
				return eris.Wrapf(err, "femasync: record migration %s", name)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("migrations up to date", zap.Int("applied", count), zap.Int("total", len(names)))
	return nil
}

// PendingMigrations lists embedded migrations not yet recorded as applied.
// On a database that was never migrated every file is pending.
func PendingMigrations(ctx context.Context, pool db.Pool) ([]string, error) {
	names, err := migrationNames()
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := pool.QueryRow(ctx, "SELECT to_regclass('fema.schema_migrations') IS NOT NULL").Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "femasync: check migration table")
	}
	if !exists {
		return names, nil
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, name := range names {
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// migrationNames returns the embedded migration filenames, sorted.
func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "femasync: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// Zero-padded prefixes make this numeric order.
	sort.Strings(names)
	return names, nil
}

func ensureMigrationTable(ctx context.Context, q querier) error {
	sql := `
		CREATE SCHEMA IF NOT EXISTS fema;
		CREATE TABLE IF NOT EXISTS fema.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := q.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "femasync: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, q querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, "SELECT filename FROM fema.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "femasync: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "femasync: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

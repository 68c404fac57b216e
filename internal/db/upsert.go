package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fema-etl/internal/resilience"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, e.g. "fema.public_assistance_projects"
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns

	// TouchColumn, when set, is assigned now() on every insert or update.
	TouchColumn string
}

// BulkUpsert runs UpsertTx in its own transaction.
func BulkUpsert(ctx context.Context, pool Pool, retry resilience.RetryConfig, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	var n int64
	err := WithTx(ctx, pool, retry, func(tx pgx.Tx) error {
		var err error
		n, err = UpsertTx(ctx, tx, cfg, rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpsertTx bulk-upserts rows within tx:
//  1. CREATE TEMP TABLE ... (LIKE target INCLUDING DEFAULTS) ON COMMIT DROP
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE
//
// It returns the number of rows inserted or updated.
func UpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tempTable := tempTableName(cfg.Table)

	if _, err := tx.Exec(ctx, createTempSQL(tempTable, cfg.Table)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(tempTable, cfg))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func tempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

func createTempSQL(tempTable, table string) string {
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		SanitizeTable(table),
	)
}

// upsertSQL builds the INSERT ... ON CONFLICT statement. With nothing left
// to update the conflict resolves to DO NOTHING.
func upsertSQL(tempTable string, cfg UpsertConfig) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		for _, c := range cfg.Columns {
			if !slices.Contains(cfg.ConflictKeys, c) && c != cfg.TouchColumn {
				updateCols = append(updateCols, c)
			}
		}
	}

	insertCols := cfg.Columns
	selectCols := quoteAndJoin(cfg.Columns)
	if cfg.TouchColumn != "" && !slices.Contains(cfg.Columns, cfg.TouchColumn) {
		insertCols = append(slices.Clip(insertCols), cfg.TouchColumn)
		selectCols += ", now()"
	}

	setClauses := make([]string, 0, len(updateCols)+1)
	for _, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	if cfg.TouchColumn != "" {
		setClauses = append(setClauses, fmt.Sprintf("%s = now()", pgx.Identifier{cfg.TouchColumn}.Sanitize()))
	}

	action := "DO NOTHING"
	if len(setClauses) > 0 {
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		SanitizeTable(cfg.Table),
		quoteAndJoin(insertCols),
		selectCols,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	)
}

// SanitizeTable quotes a table name, handling schema-qualified table names like "fema.declarations".
func SanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

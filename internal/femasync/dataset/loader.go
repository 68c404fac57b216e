package dataset

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/db"
	"github.com/sells-group/fema-etl/internal/femasync/transform"
	"github.com/sells-group/fema-etl/internal/resilience"
)

// touchColumn is stamped with now() on every insert or update when the
// target table has it.
const touchColumn = "loaded_at"

// LoadResult reports what happened to one batch.
type LoadResult struct {
	Rows       int64    // rows inserted or updated
	Keyless    int      // records skipped for a nil key column
	Duplicates int      // records collapsed onto a later one with the same key
	Dropped    []string // requested columns the table does not have
}

// BatchLoader upserts one batch of normalized records.
type BatchLoader interface {
	Load(ctx context.Context, table string, columns, key []string, records []transform.Record) (*LoadResult, error)
}

// Loader upserts batches into a base table, tolerating columns the table
// does not (or no longer) have.
type Loader struct {
	pool  db.Pool
	cols  *db.ColumnCache
	retry resilience.RetryConfig
}

// NewLoader creates a Loader. cols should live for one run.
func NewLoader(pool db.Pool, cols *db.ColumnCache, retry resilience.RetryConfig) *Loader {
	return &Loader{pool: pool, cols: cols, retry: retry}
}

// Load upserts records into table on the conflict key. Columns missing from
// the table are dropped. When nothing survives, or any key column is
// missing, the batch is a logged no-op. The whole batch commits or rolls
// back together.
func (l *Loader) Load(ctx context.Context, table string, columns, key []string, records []transform.Record) (*LoadResult, error) {
	log := zap.L().With(zap.String("component", "femasync.loader"), zap.String("table", table))

	res := &LoadResult{}
	if len(records) == 0 {
		return res, nil
	}

	have, err := l.cols.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	keep, dropped := partitionColumns(columns, have)
	res.Dropped = dropped
	if len(dropped) > 0 {
		log.Warn("dropping columns not present in target table", zap.Strings("columns", dropped))
	}
	if len(keep) == 0 {
		log.Warn("no insertable columns, skipping batch", zap.Int("records", len(records)))
		return res, nil
	}

	kept := make(map[string]bool, len(keep))
	for _, c := range keep {
		kept[c] = true
	}
	keyCols, missingKey := partitionColumns(key, kept)
	if len(missingKey) > 0 || len(keyCols) == 0 {
		log.Warn("conflict key incomplete in target table, skipping batch",
			zap.Strings("key", key),
			zap.Strings("missing", missingKey),
			zap.Int("records", len(records)),
		)
		return res, nil
	}

	rows, keyless, dups := buildRows(records, keep, keyCols)
	res.Keyless = keyless
	res.Duplicates = dups
	if keyless > 0 {
		log.Warn("skipping records with a null key", zap.Int("count", keyless), zap.Strings("key", keyCols))
	}
	if dups > 0 {
		log.Debug("collapsed duplicate keys in batch", zap.Int("count", dups))
	}
	if len(rows) == 0 {
		return res, nil
	}

	cfg := db.UpsertConfig{
		Table:        table,
		Columns:      keep,
		ConflictKeys: keyCols,
	}
	if have[touchColumn] && !slices.Contains(keep, touchColumn) {
		cfg.TouchColumn = touchColumn
	}

	n, err := db.BulkUpsert(ctx, l.pool, l.retry, cfg, rows)
	if err != nil {
		return nil, err
	}
	res.Rows = n
	return res, nil
}

// partitionColumns splits cols into those present in have and the rest,
// preserving order.
func partitionColumns(cols []string, have map[string]bool) (keep, dropped []string) {
	for _, c := range cols {
		if have[c] {
			keep = append(keep, c)
		} else {
			dropped = append(dropped, c)
		}
	}
	return keep, dropped
}

// buildRows projects records onto cols. Records with a nil key column are
// skipped; a repeated key replaces the earlier row in place so the batch
// never hits the same conflict target twice.
func buildRows(records []transform.Record, cols, keyCols []string) (rows [][]any, keyless, dups int) {
	index := make(map[string]int, len(records))
	rows = make([][]any, 0, len(records))

	for _, rec := range records {
		if !rec.HasKey(keyCols) {
			keyless++
			continue
		}

		row := make([]any, len(cols))
		for i, c := range cols {
			row[i] = rec[c]
		}

		k := rowKey(rec, keyCols)
		if i, ok := index[k]; ok {
			rows[i] = row
			dups++
			continue
		}
		index[k] = len(rows)
		rows = append(rows, row)
	}
	return rows, keyless, dups
}

func rowKey(rec transform.Record, keyCols []string) string {
	parts := make([]string, len(keyCols))
	for i, k := range keyCols {
		parts[i] = fmt.Sprint(rec[k])
	}
	return strings.Join(parts, "\x1f")
}

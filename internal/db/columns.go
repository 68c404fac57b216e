package db

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// ColumnCache answers "which columns does this table have" from
// information_schema, querying each table at most once. Build one per run;
// the schema is assumed stable for its lifetime.
type ColumnCache struct {
	pool Pool

	mu     sync.Mutex
	tables map[string]map[string]bool
}

// NewColumnCache creates an empty cache backed by pool.
func NewColumnCache(pool Pool) *ColumnCache {
	return &ColumnCache{pool: pool, tables: make(map[string]map[string]bool)}
}

// Columns returns the column set of table ("schema.table" or "table" for
// public). A table that does not exist yields an empty set, not an error.
func (c *ColumnCache) Columns(ctx context.Context, table string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cols, ok := c.tables[table]; ok {
		return cols, nil
	}

	schema, name := splitTable(table)
	rows, err := c.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2`,
		schema, name,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "db: introspect columns of %s", table)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, eris.Wrapf(err, "db: scan column of %s", table)
		}
		cols[col] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "db: introspect columns of %s", table)
	}

	c.tables[table] = cols
	return cols, nil
}

func splitTable(table string) (schema, name string) {
	if s, n, ok := strings.Cut(table, "."); ok {
		return s, n
	}
	return "public", table
}

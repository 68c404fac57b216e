package femasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fema-etl/internal/db"
)

// Ledger statuses.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// LedgerEntry is the single etl_control row of one process.
type LedgerEntry struct {
	ProcessName      string         `json:"process_name"`
	LastRun          time.Time      `json:"last_run_timestamp"`
	Status           string         `json:"status"`
	RecordsProcessed int64          `json:"records_processed"`
	RunID            string         `json:"run_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// Ledger reads and overwrites fema.etl_control. Each process owns exactly
// one row; every write replaces it.
type Ledger struct {
	pool       db.Pool
	baseTables []string
}

// NewLedger creates a Ledger. baseTables are counted into records_processed
// on success.
func NewLedger(pool db.Pool, baseTables ...string) *Ledger {
	return &Ledger{pool: pool, baseTables: baseTables}
}

// Complete records a successful run and returns the re-derived row count.
func (l *Ledger) Complete(ctx context.Context, processName string, runID uuid.UUID, details map[string]any) (int64, error) {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return 0, err
	}

	var n int64
	err = l.pool.QueryRow(ctx, completeSQL(l.baseTables),
		processName, runID.String(), detailsJSON,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "ledger: complete %s", processName)
	}
	return n, nil
}

// Fail records a failed run. records_processed keeps its previous value.
func (l *Ledger) Fail(ctx context.Context, processName string, runID uuid.UUID, runErr error, details map[string]any) error {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return err
	}

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO fema.etl_control
		   (process_name, last_run_timestamp, status, records_processed, run_id, error, details)
		 VALUES ($1, now(), 'FAILED', 0, $2, $3, $4)
		 ON CONFLICT (process_name) DO UPDATE SET
		   last_run_timestamp = EXCLUDED.last_run_timestamp,
		   status = EXCLUDED.status,
		   run_id = EXCLUDED.run_id,
		   error = EXCLUDED.error,
		   details = EXCLUDED.details`,
		processName, runID.String(), msg, detailsJSON,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: fail %s", processName)
	}
	return nil
}

// Get returns the entry for processName, or nil if it has never run.
func (l *Ledger) Get(ctx context.Context, processName string) (*LedgerEntry, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM fema.etl_control WHERE process_name = $1`,
		processName,
	)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "ledger: get %s", processName)
	}
	return e, nil
}

// List returns every entry, most recent run first.
func (l *Ledger) List(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM fema.etl_control ORDER BY last_run_timestamp DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list")
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: scan entry")
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

const ledgerColumns = `process_name, last_run_timestamp, status, records_processed, run_id::text, error, details`

func scanEntry(row pgx.Row) (*LedgerEntry, error) {
	var e LedgerEntry
	var runID, errStr *string
	var detailsJSON []byte
	if err := row.Scan(&e.ProcessName, &e.LastRun, &e.Status, &e.RecordsProcessed, &runID, &errStr, &detailsJSON); err != nil {
		return nil, err
	}
	if runID != nil {
		e.RunID = *runID
	}
	if errStr != nil {
		e.Error = *errStr
	}
	if detailsJSON != nil {
		_ = json.Unmarshal(detailsJSON, &e.Details)
	}
	return &e, nil
}

// completeSQL upserts a COMPLETED row whose records_processed is counted
// from the base tables at write time.
func completeSQL(baseTables []string) string {
	count := "0"
	if len(baseTables) > 0 {
		parts := make([]string, len(baseTables))
		for i, t := range baseTables {
			parts[i] = fmt.Sprintf("(SELECT COUNT(*) FROM %s)", db.SanitizeTable(t))
		}
		count = strings.Join(parts, " + ")
	}
	return `INSERT INTO fema.etl_control
		   (process_name, last_run_timestamp, status, records_processed, run_id, error, details)
		 VALUES ($1, now(), 'COMPLETED', ` + count + `, $2, NULL, $3)
		 ON CONFLICT (process_name) DO UPDATE SET
		   last_run_timestamp = EXCLUDED.last_run_timestamp,
		   status = EXCLUDED.status,
		   records_processed = EXCLUDED.records_processed,
		   run_id = EXCLUDED.run_id,
		   error = NULL,
		   details = EXCLUDED.details
		 RETURNING records_processed`
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: marshal details")
	}
	return b, nil
}

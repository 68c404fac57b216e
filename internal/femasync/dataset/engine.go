package dataset

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/femasync/aggregate"
	"github.com/sells-group/fema-etl/internal/femasync/transform"
	"github.com/sells-group/fema-etl/internal/metrics"
)

// Aggregator rebuilds the derived tables.
type Aggregator interface {
	Rebuild(ctx context.Context) (*aggregate.Result, error)
}

// RunLedger records run outcomes in etl_control.
type RunLedger interface {
	Complete(ctx context.Context, processName string, runID uuid.UUID, details map[string]any) (int64, error)
	Fail(ctx context.Context, processName string, runID uuid.UUID, runErr error, details map[string]any) error
}

// Engine runs the full pipeline: every selected dataset is paged, normalized
// and upserted, then the derived tables are rebuilt and the ledger updated.
type Engine struct {
	processName string
	reg         *Registry
	pager       *Pager
	loader      BatchLoader
	agg         Aggregator
	ledger      RunLedger
	metrics     *metrics.Pipeline
}

// RunOpts configures which datasets to load and how.
type RunOpts struct {
	Datasets      []string // restrict to specific dataset names
	SkipAggregate bool     // load base tables only
}

// DatasetResult summarizes one dataset within a run.
type DatasetResult struct {
	Name       string `json:"name"`
	Pages      int    `json:"pages"`
	Fetched    int    `json:"fetched"`
	Loaded     int64  `json:"loaded"`
	Keyless    int    `json:"keyless"`
	Duplicates int    `json:"duplicates"`
	Truncated  bool   `json:"truncated"`
	Capped     bool   `json:"capped"`
	FetchError string `json:"fetch_error,omitempty"`
}

// RunResult summarizes a run.
type RunResult struct {
	RunID            uuid.UUID
	Datasets         []DatasetResult
	Derived          map[string]int64
	RecordsProcessed int64 // base-table row count recorded in the ledger
	Truncated        bool
	Duration         time.Duration
}

// Details renders the result for the ledger's details column.
func (r *RunResult) Details() map[string]any {
	datasets := make(map[string]any, len(r.Datasets))
	for _, d := range r.Datasets {
		datasets[d.Name] = d
	}
	details := map[string]any{
		"datasets":  datasets,
		"truncated": r.Truncated,
	}
	if r.Derived != nil {
		details["derived"] = r.Derived
	}
	return details
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(processName string, reg *Registry, pager *Pager, loader BatchLoader, agg Aggregator, ledger RunLedger, m *metrics.Pipeline) *Engine {
	return &Engine{
		processName: processName,
		reg:         reg,
		pager:       pager,
		loader:      loader,
		agg:         agg,
		ledger:      ledger,
		metrics:     m,
	}
}

// Run executes one pipeline run. On failure a FAILED ledger entry is
// written on a best-effort basis and the original error is returned. The
// result is non-nil either way.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	res := &RunResult{RunID: uuid.New()}
	log := zap.L().With(
		zap.String("component", "femasync.engine"),
		zap.String("run_id", res.RunID.String()),
		zap.String("process", e.processName),
	)
	start := time.Now()

	err := e.run(ctx, opts, res, log)
	if err == nil {
		var n int64
		n, err = e.ledger.Complete(ctx, e.processName, res.RunID, res.Details())
		if err == nil {
			res.RecordsProcessed = n
		}
	}
	res.Duration = time.Since(start)

	if e.metrics != nil {
		e.metrics.ObserveRun(res.Duration, err == nil)
	}

	if err != nil {
		log.Error("run failed", zap.Error(err), zap.Duration("elapsed", res.Duration))
		// The run context may already be cancelled; the failure still gets recorded.
		if ledErr := e.ledger.Fail(context.WithoutCancel(ctx), e.processName, res.RunID, err, res.Details()); ledErr != nil {
			log.Error("failed to record run failure", zap.Error(ledErr))
		}
		return res, err
	}

	log.Info("run complete",
		zap.Int("datasets", len(res.Datasets)),
		zap.Int64("records_processed", res.RecordsProcessed),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, opts RunOpts, res *RunResult, log *zap.Logger) error {
	datasets, err := e.reg.Select(opts.Datasets)
	if err != nil {
		return err
	}
	log.Info("selected datasets", zap.Int("count", len(datasets)))

	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "engine: cancelled")
		}

		dr, err := e.loadDataset(ctx, ds, log.With(zap.String("dataset", ds.Name())))
		res.Datasets = append(res.Datasets, dr)
		if dr.Truncated {
			res.Truncated = true
		}
		if err != nil {
			return eris.Wrapf(err, "engine: load %s", ds.Name())
		}
	}

	if opts.SkipAggregate {
		log.Info("skipping aggregation")
		return nil
	}

	ar, err := e.agg.Rebuild(ctx)
	if err != nil {
		return eris.Wrap(err, "engine: aggregate")
	}
	res.Derived = ar.Rows
	if e.metrics != nil {
		for table, n := range ar.Rows {
			e.metrics.DerivedRows.WithLabelValues(table).Set(float64(n))
		}
	}
	return nil
}

// loadDataset pages through one dataset, loading each page as it arrives.
func (e *Engine) loadDataset(ctx context.Context, ds Dataset, log *zap.Logger) (DatasetResult, error) {
	dr := DatasetResult{Name: ds.Name()}
	schema := ds.Schema()
	volatile := schema.Volatile()
	columns := loadColumns(ds)
	name := ds.Name()

	log.Info("starting load", zap.String("table", ds.Table()))
	start := time.Now()

	pr, err := e.pager.Run(ctx, Endpoint{Resource: ds.Resource(), OrderBy: "id"}, func(ctx context.Context, page Page) error {
		pageStart := time.Now()

		records := make([]transform.Record, len(page.Records))
		for i, raw := range page.Records {
			rec := transform.Normalize(schema, raw)
			rec[transform.FingerprintColumn] = transform.Fingerprint(rec, volatile)
			records[i] = rec
		}

		lr, err := e.loader.Load(ctx, ds.Table(), columns, ds.NaturalKey(), records)
		if err != nil {
			return err
		}

		dr.Loaded += lr.Rows
		dr.Keyless += lr.Keyless
		dr.Duplicates += lr.Duplicates

		if e.metrics != nil {
			e.metrics.PagesFetched.WithLabelValues(name).Inc()
			e.metrics.RecordsFetched.WithLabelValues(name).Add(float64(len(page.Records)))
			e.metrics.RecordsLoaded.WithLabelValues(name).Add(float64(lr.Rows))
			e.metrics.RecordsSkipped.WithLabelValues(name, "null_key").Add(float64(lr.Keyless))
			e.metrics.RecordsSkipped.WithLabelValues(name, "duplicate_key").Add(float64(lr.Duplicates))
			e.metrics.PageDuration.WithLabelValues(name).Observe(page.Elapsed.Seconds() + time.Since(pageStart).Seconds())
		}

		log.Info("page loaded",
			zap.Int("offset", page.Offset),
			zap.Int("records", len(page.Records)),
			zap.Int64("rows", lr.Rows),
		)
		return nil
	})
	if pr != nil {
		dr.Pages = pr.Pages
		dr.Fetched = pr.Records
		dr.Truncated = pr.Truncated
		dr.Capped = pr.Capped
		if pr.FetchErr != nil {
			dr.FetchError = pr.FetchErr.Error()
		}
	}
	if err != nil {
		return dr, err
	}

	if dr.Truncated && e.metrics != nil {
		e.metrics.FetchTruncated.WithLabelValues(name).Inc()
	}

	log.Info("load complete",
		zap.Int("pages", dr.Pages),
		zap.Int("fetched", dr.Fetched),
		zap.Int64("loaded", dr.Loaded),
		zap.Bool("truncated", dr.Truncated),
		zap.Duration("elapsed", time.Since(start)),
	)
	return dr, nil
}

package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sells-group/fema-etl/internal/config"
	"github.com/sells-group/fema-etl/internal/db"
	"github.com/sells-group/fema-etl/internal/femasync"
	"github.com/sells-group/fema-etl/internal/femasync/aggregate"
	"github.com/sells-group/fema-etl/internal/femasync/dataset"
	"github.com/sells-group/fema-etl/internal/fetcher"
	"github.com/sells-group/fema-etl/internal/metrics"
	"github.com/sells-group/fema-etl/internal/resilience"
)

// openPool connects to the warehouse, retrying while it is unreachable.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	return db.Connect(ctx, cfg.Database)
}

// newFetcher builds the rate-limited OpenFEMA client.
func newFetcher(c *config.Config) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: c.API.UserAgent,
		Timeout:   c.API.Timeout(),
		Retry:     resilience.DefaultRetryConfig().WithAttempts(c.API.MaxAttempts),
	})
}

func pagerOptions(e config.ETLConfig) dataset.PagerOptions {
	return dataset.PagerOptions{
		PageSize:         e.PageSize,
		StartOffset:      e.StartOffset,
		MaxRecords:       e.MaxRecords,
		Cooldown:         e.Cooldown(),
		ShortPageIsFinal: e.ShortPageIsFinal,
		FailOnFetchError: e.FailOnFetchError,
	}
}

func thresholds(a config.AggregateConfig) aggregate.Thresholds {
	return aggregate.Thresholds{Small: a.SmallThreshold, Large: a.LargeThreshold}
}

// newAggregator builds the derived-table builder. Transactions begin under
// the connection retry policy.
func newAggregator(c *config.Config, pool db.Pool) *aggregate.Builder {
	return aggregate.New(pool, c.Database.ConnectRetry(), thresholds(c.Aggregate))
}

// buildEngine wires every pipeline stage against pool.
func buildEngine(c *config.Config, pool db.Pool, f fetcher.Fetcher, m *metrics.Pipeline) *dataset.Engine {
	reg := dataset.NewRegistry()
	retry := c.Database.ConnectRetry()

	pager := dataset.NewPager(f, c.API.BaseURL, pagerOptions(c.ETL))
	loader := dataset.NewLoader(pool, db.NewColumnCache(pool), retry)
	ledger := femasync.NewLedger(pool, reg.Tables()...)

	return dataset.NewEngine(c.ETL.ProcessName, reg, pager, loader, newAggregator(c, pool), ledger, m)
}

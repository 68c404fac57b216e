//go:build !integration

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fema-etl/internal/config"
	"github.com/sells-group/fema-etl/internal/femasync"
	"github.com/sells-group/fema-etl/internal/femasync/dataset"
	"github.com/sells-group/fema-etl/internal/fetcher/mocks"
	"github.com/sells-group/fema-etl/internal/metrics"
)

func testConfig() *config.Config {
	c := &config.Config{}
	c.Database.ConnectAttempts = 1
	c.API.BaseURL = "https://api.test/open/v2"
	c.ETL.ProcessName = "public_assistance_etl"
	c.ETL.PageSize = 1000
	c.ETL.MaxRecords = 1000000
	c.ETL.CooldownMs = 1000
	c.ETL.ShortPageIsFinal = true
	c.ETL.Datasets = []string{"declarations", "public_assistance"}
	c.Aggregate.SmallThreshold = 10000
	c.Aggregate.LargeThreshold = 100000
	return c
}

func changedSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestRunFlags_ApplyOnlyChanged(t *testing.T) {
	c := testConfig()
	f := runFlags{
		datasets:    []string{"public_assistance"},
		pageSize:    250,
		maxRecords:  0,
		minInterval: 1500 * time.Millisecond,
	}

	f.apply(changedSet("datasets", "min-interval"), c)

	assert.Equal(t, []string{"public_assistance"}, c.ETL.Datasets)
	assert.Equal(t, 1500, c.ETL.CooldownMs)
	// Unchanged flags leave the config alone.
	assert.Equal(t, 1000, c.ETL.PageSize)
	assert.Equal(t, 1000000, c.ETL.MaxRecords)
}

func TestRunFlags_ZeroMaxRecordsDisablesCap(t *testing.T) {
	c := testConfig()
	f := runFlags{pageSize: 50, maxRecords: 0}

	f.apply(changedSet("page-size", "max-records"), c)

	assert.Equal(t, 50, c.ETL.PageSize)
	assert.Equal(t, 0, c.ETL.MaxRecords)
}

func TestRunFlags_EmptyDatasetsKeepsConfig(t *testing.T) {
	c := testConfig()
	runFlags{}.apply(changedSet("datasets"), c)
	assert.Equal(t, []string{"declarations", "public_assistance"}, c.ETL.Datasets)
}

func TestPagerOptions(t *testing.T) {
	c := testConfig()
	c.ETL.StartOffset = 500
	c.ETL.FailOnFetchError = true

	opts := pagerOptions(c.ETL)
	assert.Equal(t, dataset.PagerOptions{
		PageSize:         1000,
		StartOffset:      500,
		MaxRecords:       1000000,
		Cooldown:         time.Second,
		ShortPageIsFinal: true,
		FailOnFetchError: true,
	}, opts)
}

func TestThresholds(t *testing.T) {
	th := thresholds(testConfig().Aggregate)
	assert.InDelta(t, 10000, th.Small, 0.001)
	assert.InDelta(t, 100000, th.Large, 0.001)
}

func TestBuildEngine_RunAgainstMissingTable(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	f := mocks.NewMockFetcher(t)
	f.On("Download", mock.Anything, "https://api.test/open/v2/DisasterDeclarationsSummaries?$top=1000&$skip=0&$orderby=id").
		Return(io.NopCloser(strings.NewReader(
			`{"DisasterDeclarationsSummaries":[{"disasterNumber":4339,"placeCode":"99001","state":"PR"}]}`,
		)), nil).Once()

	// The base table does not exist yet, so the page is a no-op load.
	pool.ExpectQuery("information_schema.columns").
		WithArgs("fema", "declarations").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))
	pool.ExpectQuery("INSERT INTO fema.etl_control").
		WithArgs("public_assistance_etl", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"records_processed"}).AddRow(int64(0)))

	m := metrics.NewPipeline()
	eng := buildEngine(testConfig(), pool, f, m)

	res, err := eng.Run(context.Background(), dataset.RunOpts{
		Datasets:      []string{"declarations"},
		SkipAggregate: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Datasets, 1)
	assert.Equal(t, "declarations", res.Datasets[0].Name)
	assert.Equal(t, 1, res.Datasets[0].Fetched)
	assert.Equal(t, int64(0), res.Datasets[0].Loaded)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestMigrateForRun_FailureRecordedInLedger(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	pool.ExpectBegin().WillReturnError(errors.New("too many clients"))
	pool.ExpectExec("INSERT INTO fema.etl_control").
		WithArgs("public_assistance_etl", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = migrateForRun(context.Background(), pool, femasync.NewLedger(pool), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run: migrate")
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestMigrateForRun_LedgerWriteFailureKeepsMigrateError(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	pool.ExpectBegin().WillReturnError(errors.New("too many clients"))
	pool.ExpectExec("INSERT INTO fema.etl_control").
		WithArgs("public_assistance_etl", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New(`relation "fema.etl_control" does not exist`))

	err = migrateForRun(context.Background(), pool, femasync.NewLedger(pool), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many clients")
	assert.NotContains(t, err.Error(), "etl_control")
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestFormatRunResult(t *testing.T) {
	res := &dataset.RunResult{
		RunID: uuid.MustParse("6f1c2a9e-4b1d-4c3e-9a55-2f6c1d7e8b90"),
		Datasets: []dataset.DatasetResult{
			{Name: "declarations", Pages: 2, Fetched: 1500, Loaded: 1498, Keyless: 2},
			{Name: "public_assistance", Pages: 1, Fetched: 10, Loaded: 9, Duplicates: 1, Truncated: true},
		},
		Derived:          map[string]int64{"fema.fact_project_samples": 9, "fema.dim_date": 4},
		RecordsProcessed: 1507,
		Truncated:        true,
		Duration:         2500 * time.Millisecond,
	}

	var buf bytes.Buffer
	formatRunResult(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "DATASET")
	assert.Contains(t, out, "declarations")
	assert.Contains(t, out, "1498")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "fema.fact_project_samples")
	assert.Contains(t, out, "run 6f1c2a9e-4b1d-4c3e-9a55-2f6c1d7e8b90: 1507 records in base tables (2.5s)")
	assert.Contains(t, out, "warning: at least one dataset was truncated")
}

func TestFormatRunResult_NoDerived(t *testing.T) {
	var buf bytes.Buffer
	formatRunResult(&buf, &dataset.RunResult{})
	out := buf.String()

	assert.NotContains(t, out, "TABLE")
	assert.NotContains(t, out, "warning")
}

func TestFormatDerivedRows_Sorted(t *testing.T) {
	var buf bytes.Buffer
	formatDerivedRows(&buf, map[string]int64{"b": 2, "a": 1, "c": 3})

	out := buf.String()
	assert.Less(t, strings.Index(out, "a "), strings.Index(out, "b "))
	assert.Less(t, strings.Index(out, "b "), strings.Index(out, "c "))
}

func TestPushMetrics(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pushMetrics(context.Background(), config.MetricsConfig{PushgatewayURL: srv.URL, Job: "fema_etl"}, metrics.NewPipeline())
	assert.Equal(t, "/metrics/job/fema_etl", gotPath)
}

func TestPushMetrics_NoGatewaySkips(t *testing.T) {
	// Nothing to assert beyond not panicking on a nil pipeline.
	pushMetrics(context.Background(), config.MetricsConfig{}, nil)
}

func TestPushMetrics_FailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pushMetrics(context.Background(), config.MetricsConfig{PushgatewayURL: srv.URL}, metrics.NewPipeline())
}

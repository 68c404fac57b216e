package aggregate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	noRetry    = resilience.RetryConfig{MaxAttempts: 1}
	thresholds = Thresholds{Small: 10000, Large: 100000}
)

// expectRebuild queues one successful rebuild returning rows[i] for the i-th table.
func expectRebuild(mock pgxmock.PgxPoolIface, rows []int64) {
	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	for i, table := range Tables {
		e := mock.ExpectExec("INSERT INTO " + table)
		if i < 2 {
			e = e.WithArgs(10000.0, 100000.0)
		}
		e.WillReturnResult(pgxmock.NewResult("INSERT", rows[i]))
	}
	mock.ExpectCommit()
}

func TestRebuild(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectRebuild(mock, []int64{4, 12, 3, 2, 2, 3})

	res, err := New(mock, noRetry, thresholds).Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Rows[TableDisasterMetrics])
	assert.Equal(t, int64(12), res.Rows[TableProjectSamples])
	assert.Equal(t, int64(3), res.Rows[TableDimDate])
	assert.Equal(t, int64(2), res.Rows[TableDimDisaster])
	assert.Equal(t, int64(2), res.Rows[TableDimLocation])
	assert.Equal(t, int64(3), res.Rows[TableDisasterFunding])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_TwiceGivesSameResult(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := []int64{4, 12, 3, 2, 2, 3}
	expectRebuild(mock, rows)
	expectRebuild(mock, rows)

	b := New(mock, noRetry, thresholds)
	first, err := b.Rebuild(context.Background())
	require.NoError(t, err)
	second, err := b.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Rows, second.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_TruncateError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err = New(mock, noRetry, thresholds).Rebuild(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate: truncate derived tables")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_PopulateErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectExec("INSERT INTO fema.fact_disaster_metrics").
		WithArgs(10000.0, 100000.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 4))
	mock.ExpectExec("INSERT INTO fema.fact_project_samples").
		WithArgs(10000.0, 100000.0).
		WillReturnError(errors.New("numeric overflow"))
	mock.ExpectRollback()

	res, err := New(mock, noRetry, thresholds).Rebuild(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "aggregate: populate fema.fact_project_samples")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err = New(mock, noRetry, thresholds).Rebuild(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: begin tx")
}

func TestTruncateSQL(t *testing.T) {
	sql := truncateSQL()
	assert.True(t, strings.HasPrefix(sql, "TRUNCATE "))
	assert.True(t, strings.HasSuffix(sql, " RESTART IDENTITY"))
	for _, table := range Tables {
		name := strings.TrimPrefix(table, "fema.")
		assert.Contains(t, sql, `"fema"."`+name+`"`)
	}
}

func TestSteps_Deterministic(t *testing.T) {
	steps := New(nil, noRetry, thresholds).steps()
	require.Len(t, steps, len(Tables))
	for i, s := range steps {
		assert.Equal(t, Tables[i], s.table)
		assert.Contains(t, s.sql, "INSERT INTO "+s.table+" (", s.table)
		assert.Contains(t, s.sql, "ORDER BY", s.table)
	}
}

func TestSteps_ThresholdBoundaries(t *testing.T) {
	steps := New(nil, noRetry, Thresholds{Small: 5, Large: 50}).steps()
	assert.Equal(t, []any{5.0, 50.0}, steps[0].args)
	assert.Equal(t, []any{5.0, 50.0}, steps[1].args)

	assert.Contains(t, projectSamplesSQL, "project_amount >= $2,")
	assert.Contains(t, projectSamplesSQL, "WHEN project_amount < $1 THEN 'Small'")
	assert.Contains(t, projectSamplesSQL, "WHEN project_amount < $2 THEN 'Medium'")
	assert.Contains(t, projectSamplesSQL, "ELSE 'Large'")

	assert.Contains(t, disasterMetricsSQL, "FILTER (WHERE project_amount < $1)")
	assert.Contains(t, disasterMetricsSQL, "FILTER (WHERE project_amount >= $1 AND project_amount < $2)")
	assert.Contains(t, disasterMetricsSQL, "FILTER (WHERE project_amount >= $2)")
}

func TestDimensionsPopulatedBeforeFunding(t *testing.T) {
	idx := func(table string) int {
		for i, name := range Tables {
			if name == table {
				return i
			}
		}
		return -1
	}
	funding := idx(TableDisasterFunding)
	for _, dim := range []string{TableDimDate, TableDimDisaster, TableDimLocation} {
		assert.Less(t, idx(dim), funding, dim)
	}
	assert.Less(t, idx(TableDimDate), idx(TableDimDisaster))
}

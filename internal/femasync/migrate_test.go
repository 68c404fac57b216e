package femasync

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

var noRetry = resilience.RetryConfig{MaxAttempts: 1}

func migrationFileNames(t *testing.T) []string {
	t.Helper()
	names, err := migrationNames()
	require.NoError(t, err)
	return names
}

// expectPreamble expects the lock, the tracking table and the applied query.
func expectPreamble(mock pgxmock.PgxPoolIface, applied ...string) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS fema").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	rows := pgxmock.NewRows([]string{"filename"})
	for _, name := range applied {
		rows.AddRow(name)
	}
	mock.ExpectQuery("SELECT filename FROM fema.schema_migrations").WillReturnRows(rows)
}

func expectApply(mock pgxmock.PgxPoolIface, name string) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO fema.schema_migrations").
		WithArgs(name).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestMigrationNames_Sorted(t *testing.T) {
	assert.Equal(t, []string{"001_base_tables.sql", "002_derived_tables.sql", "003_etl_control.sql"}, migrationFileNames(t))
	assert.Contains(t, migrationFileNames(t), LedgerMigration)
}

func TestMigrations_DefineEveryTable(t *testing.T) {
	var all strings.Builder
	for _, name := range migrationFileNames(t) {
		data, err := migrationFS.ReadFile("migrations/" + name)
		require.NoError(t, err)
		all.Write(data)
	}
	sql := all.String()
	for _, table := range []string{
		"fema.declarations", "fema.public_assistance_projects",
		"fema.fact_disaster_metrics", "fema.fact_project_samples",
		"fema.dim_date", "fema.dim_disaster", "fema.dim_location", "fema.fact_disaster_funding",
		"fema.etl_control",
	} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
	assert.Contains(t, sql, "UNIQUE (disaster_number, pw_number)")
	assert.Contains(t, sql, "UNIQUE (disaster_number, place_code)")
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectPreamble(mock)
	for _, name := range migrationFileNames(t) {
		expectApply(mock, name)
	}
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), mock, noRetry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AppliesOnlyPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	expectPreamble(mock, names[:2]...)
	expectApply(mock, names[2])
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), mock, noRetry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_NothingPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectPreamble(mock, migrationFileNames(t)...)
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), mock, noRetry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("too many clients"))

	err = Migrate(context.Background(), mock, noRetry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(migrationLockKey).
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock, noRetry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire migration lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_EnsureTableError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS fema").
		WillReturnError(errors.New("permission denied for database"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock, noRetry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure migration table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyErrorRollsBackEverything(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	expectPreamble(mock)
	expectApply(mock, names[0])
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fema.fact_disaster_metrics").
		WillReturnError(errors.New(`relation "fema.declarations" does not exist`))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock, noRetry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration 002_derived_tables.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RecordError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	expectPreamble(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO fema.schema_migrations").
		WithArgs(names[0]).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock, noRetry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record migration 001_base_tables.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMigrations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("to_regclass").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT filename FROM fema.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_base_tables.sql"))

	pending, err := PendingMigrations(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, []string{"002_derived_tables.sql", "003_etl_control.sql"}, pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMigrations_NeverMigrated(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("to_regclass").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	pending, err := PendingMigrations(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, migrationFileNames(t), pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMigrations_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("to_regclass").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT filename FROM fema.schema_migrations").
		WillReturnError(errors.New("permission denied"))

	_, err = PendingMigrations(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query applied migrations")
}

func TestPendingMigrations_CheckError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("to_regclass").WillReturnError(errors.New("connection reset"))

	_, err = PendingMigrations(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check migration table")
}

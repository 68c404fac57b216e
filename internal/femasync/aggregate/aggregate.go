// Package aggregate rebuilds the derived fact and dimension tables from the
// loaded base tables.
package aggregate

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/db"
	"github.com/sells-group/fema-etl/internal/resilience"
)

// Derived tables, in population order. Dimensions come before the fact that
// references them.
const (
	TableDisasterMetrics = "fema.fact_disaster_metrics"
	TableProjectSamples  = "fema.fact_project_samples"
	TableDimDate         = "fema.dim_date"
	TableDimDisaster     = "fema.dim_disaster"
	TableDimLocation     = "fema.dim_location"
	TableDisasterFunding = "fema.fact_disaster_funding"
)

// Tables lists every derived table in population order.
var Tables = []string{
	TableDisasterMetrics,
	TableProjectSamples,
	TableDimDate,
	TableDimDisaster,
	TableDimLocation,
	TableDisasterFunding,
}

// Thresholds split projects by amount: below Small is small, below Large is
// medium, anything else is large.
type Thresholds struct {
	Small float64
	Large float64
}

// Result reports the rows written per derived table.
type Result struct {
	Rows     map[string]int64
	Duration time.Duration
}

// Builder recomputes all derived tables in one transaction.
type Builder struct {
	pool       db.Pool
	retry      resilience.RetryConfig
	thresholds Thresholds
}

// New creates a Builder.
func New(pool db.Pool, retry resilience.RetryConfig, th Thresholds) *Builder {
	return &Builder{pool: pool, retry: retry, thresholds: th}
}

type step struct {
	table string
	sql   string
	args  []any
}

// Rebuild truncates every derived table and repopulates it. Running it twice
// over the same base data yields the same rows. Any error rolls back the
// whole rebuild and leaves the previous derived data in place.
func (b *Builder) Rebuild(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "aggregate"))
	start := time.Now()

	res := &Result{Rows: make(map[string]int64, len(Tables))}
	err := db.WithTx(ctx, b.pool, b.retry, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, truncateSQL()); err != nil {
			return eris.Wrap(err, "aggregate: truncate derived tables")
		}
		for _, s := range b.steps() {
			tag, err := tx.Exec(ctx, s.sql, s.args...)
			if err != nil {
				return eris.Wrapf(err, "aggregate: populate %s", s.table)
			}
			res.Rows[s.table] = tag.RowsAffected()
			log.Debug("derived table populated",
				zap.String("table", s.table),
				zap.Int64("rows", tag.RowsAffected()),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	log.Info("derived tables rebuilt",
		zap.Int64("disaster_metrics", res.Rows[TableDisasterMetrics]),
		zap.Int64("project_samples", res.Rows[TableProjectSamples]),
		zap.Int64("disaster_funding", res.Rows[TableDisasterFunding]),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (b *Builder) steps() []step {
	th := []any{b.thresholds.Small, b.thresholds.Large}
	return []step{
		{TableDisasterMetrics, disasterMetricsSQL, th},
		{TableProjectSamples, projectSamplesSQL, th},
		{TableDimDate, dimDateSQL, nil},
		{TableDimDisaster, dimDisasterSQL, nil},
		{TableDimLocation, dimLocationSQL, nil},
		{TableDisasterFunding, disasterFundingSQL, nil},
	}
}

// truncateSQL empties all derived tables in one statement so foreign keys
// between them never block the truncate.
func truncateSQL() string {
	quoted := make([]string, len(Tables))
	for i, t := range Tables {
		quoted[i] = db.SanitizeTable(t)
	}
	return "TRUNCATE " + strings.Join(quoted, ", ") + " RESTART IDENTITY"
}

const disasterMetricsSQL = `
INSERT INTO fema.fact_disaster_metrics (
    disaster_number, state, total_projects, total_funding, avg_project_amount,
    max_project_amount, first_declaration_date, small_projects, medium_projects, large_projects
)
SELECT
    disaster_number,
    state_abbreviation,
    COUNT(*),
    COALESCE(SUM(project_amount), 0),
    COALESCE(ROUND(AVG(project_amount), 2), 0),
    COALESCE(MAX(project_amount), 0),
    MIN(declaration_date),
    COUNT(*) FILTER (WHERE project_amount < $1),
    COUNT(*) FILTER (WHERE project_amount >= $1 AND project_amount < $2),
    COUNT(*) FILTER (WHERE project_amount >= $2)
FROM fema.public_assistance_projects
GROUP BY disaster_number, state_abbreviation
ORDER BY disaster_number, state_abbreviation`

const projectSamplesSQL = `
INSERT INTO fema.fact_project_samples (
    disaster_number, pw_number, project_amount, damage_category_code,
    project_size, is_large_project, amount_category
)
SELECT
    disaster_number,
    pw_number,
    project_amount,
    damage_category_code,
    project_size,
    project_amount >= $2,
    CASE
        WHEN project_amount < $1 THEN 'Small'
        WHEN project_amount < $2 THEN 'Medium'
        ELSE 'Large'
    END
FROM fema.public_assistance_projects
ORDER BY disaster_number, pw_number`

const dimDateSQL = `
INSERT INTO fema.dim_date (date_key, full_date, year, quarter, month, day, day_of_week, is_weekend)
SELECT
    TO_CHAR(d, 'YYYYMMDD')::INTEGER,
    d,
    EXTRACT(YEAR FROM d)::INTEGER,
    EXTRACT(QUARTER FROM d)::INTEGER,
    EXTRACT(MONTH FROM d)::INTEGER,
    EXTRACT(DAY FROM d)::INTEGER,
    EXTRACT(DOW FROM d)::INTEGER,
    EXTRACT(DOW FROM d) IN (0, 6)
FROM (
    SELECT (declaration_date AT TIME ZONE 'UTC')::DATE AS d FROM fema.declarations
    UNION
    SELECT (declaration_date AT TIME ZONE 'UTC')::DATE FROM fema.public_assistance_projects
) dates
WHERE d IS NOT NULL
ORDER BY d`

const dimDisasterSQL = `
INSERT INTO fema.dim_disaster (
    disaster_number, declaration_type, incident_type, declaration_title, declaration_date_key
)
SELECT DISTINCT ON (disaster_number)
    disaster_number,
    declaration_type,
    incident_type,
    declaration_title,
    TO_CHAR((declaration_date AT TIME ZONE 'UTC')::DATE, 'YYYYMMDD')::INTEGER
FROM fema.declarations
ORDER BY disaster_number, declaration_date, place_code`

const dimLocationSQL = `
INSERT INTO fema.dim_location (state, fips_state_code, region)
SELECT state, MIN(fips_state_code), MIN(region)
FROM fema.declarations
WHERE state IS NOT NULL
GROUP BY state
ORDER BY state`

const disasterFundingSQL = `
INSERT INTO fema.fact_disaster_funding (
    disaster_key, location_key, date_key, designated_areas,
    ih_program_declared, ia_program_declared, pa_program_declared, hm_program_declared,
    pa_projects, pa_total_obligated, pa_federal_share
)
SELECT
    dd.disaster_key,
    dl.location_key,
    dd.declaration_date_key,
    decl.designated_areas,
    decl.ih, decl.ia, decl.pa, decl.hm,
    COALESCE(pa.projects, 0),
    COALESCE(pa.total_obligated, 0),
    COALESCE(pa.federal_share, 0)
FROM (
    SELECT
        disaster_number,
        state,
        COUNT(*) AS designated_areas,
        BOOL_OR(ih_program_declared) AS ih,
        BOOL_OR(ia_program_declared) AS ia,
        BOOL_OR(pa_program_declared) AS pa,
        BOOL_OR(hm_program_declared) AS hm
    FROM fema.declarations
    WHERE state IS NOT NULL
    GROUP BY disaster_number, state
) decl
JOIN fema.dim_disaster dd ON dd.disaster_number = decl.disaster_number
JOIN fema.dim_location dl ON dl.state = decl.state
LEFT JOIN (
    SELECT
        disaster_number,
        state_abbreviation,
        COUNT(*) AS projects,
        SUM(total_obligated) AS total_obligated,
        SUM(federal_share_obligated) AS federal_share
    FROM fema.public_assistance_projects
    GROUP BY disaster_number, state_abbreviation
) pa ON pa.disaster_number = decl.disaster_number AND pa.state_abbreviation = decl.state
ORDER BY dd.disaster_key, dl.location_key`

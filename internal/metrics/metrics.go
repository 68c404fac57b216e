// Package metrics holds the Prometheus collectors for an ETL run. Runs are
// batch jobs, so the registry is pushed to a Pushgateway when a run ends and
// served by the status server in between.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"
)

const namespace = "fema_etl"

// Pipeline groups the collectors for one process on a private registry.
type Pipeline struct {
	reg *prometheus.Registry

	PagesFetched   *prometheus.CounterVec
	RecordsFetched *prometheus.CounterVec
	RecordsLoaded  *prometheus.CounterVec
	RecordsSkipped *prometheus.CounterVec
	FetchTruncated *prometheus.CounterVec
	PageDuration   *prometheus.HistogramVec
	DerivedRows    *prometheus.GaugeVec

	RunDuration      prometheus.Gauge
	LastRunSuccess   prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
}

// NewPipeline registers every collector on a fresh registry.
func NewPipeline() *Pipeline {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Pipeline{
		reg: reg,

		PagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "pages_total",
			Help:      "Non-empty pages returned by the API",
		}, []string{"dataset"}),

		RecordsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "records_total",
			Help:      "Raw records returned by the API",
		}, []string{"dataset"}),

		RecordsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "records_total",
			Help:      "Records inserted or updated in base tables",
		}, []string{"dataset"}),

		RecordsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "skipped_total",
			Help:      "Records dropped before load",
		}, []string{"dataset", "reason"}),

		FetchTruncated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "truncated_total",
			Help:      "Dataset loads cut short by an exhausted fetch",
		}, []string{"dataset"}),

		PageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "page_duration_seconds",
			Help:      "Normalize and upsert duration per page",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"dataset"}),

		DerivedRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "rows",
			Help:      "Rows written to each derived table by the last rebuild",
		}, []string{"table"}),

		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),

		LastRunSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run completed, 0 if it failed",
		}),

		LastRunTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// ObserveRun records the outcome of a finished run.
func (p *Pipeline) ObserveRun(elapsed time.Duration, ok bool) {
	p.RunDuration.Set(elapsed.Seconds())
	if ok {
		p.LastRunSuccess.Set(1)
	} else {
		p.LastRunSuccess.Set(0)
	}
	p.LastRunTimestamp.SetToCurrentTime()
}

// ObserveLedger sets the last-run gauges from a recorded run, for processes
// that did not perform the run themselves.
func (p *Pipeline) ObserveLedger(ok bool, finished time.Time) {
	if ok {
		p.LastRunSuccess.Set(1)
	} else {
		p.LastRunSuccess.Set(0)
	}
	p.LastRunTimestamp.Set(float64(finished.Unix()))
}

// Gatherer exposes the registry, mainly for tests.
func (p *Pipeline) Gatherer() prometheus.Gatherer {
	return p.reg
}

// Handler serves the registry in the Prometheus text format.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Push sends the registry to a Pushgateway, replacing the job's group.
func (p *Pipeline) Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return eris.New("metrics: pushgateway url is empty")
	}
	if job == "" {
		job = "fema_etl"
	}
	if err := push.New(gatewayURL, job).Gatherer(p.reg).PushContext(ctx); err != nil {
		return eris.Wrapf(err, "metrics: push to %s", gatewayURL)
	}
	return nil
}

// Package metrics collects per-run pipeline counters and pushes them to a
// Prometheus Pushgateway. A batch job exits before it could be scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/fmcg/dimpipe/internal/table"
)

const namespace = "dimpipe"

const (
	MetricRowsIngested      = "rows_ingested_total"
	MetricDuplicatesDropped = "duplicates_dropped_total"
	MetricCitiesCorrected   = "cities_corrected_total"
	MetricCitiesPatched     = "cities_patched_total"
	MetricMergeRows         = "merge_rows_total"
	MetricStageDuration     = "stage_duration_seconds"
	MetricStageFailures     = "stage_failures_total"
)

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	RowsIngested      prometheus.Counter
	DuplicatesDropped prometheus.Counter
	CitiesCorrected   prometheus.Counter
	CitiesPatched     prometheus.Counter
	MergeRows         *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	StageFailures     *prometheus.CounterVec
}

// New creates and registers the run collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RowsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRowsIngested,
			Help:      "Rows loaded into the bronze table.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricDuplicatesDropped,
			Help:      "Rows removed by customer id deduplication.",
		}),
		CitiesCorrected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCitiesCorrected,
			Help:      "City values replaced through the typo map.",
		}),
		CitiesPatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCitiesPatched,
			Help:      "Null cities filled from the override table.",
		}),
		MergeRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricMergeRows,
			Help:      "Parent dimension rows written by merge.",
		}, []string{"action"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricStageDuration,
			Help:      "Wall time of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricStageFailures,
			Help:      "Pipeline stages that returned an error.",
		}, []string{"stage"}),
	}
	m.Registry.MustRegister(
		m.RowsIngested,
		m.DuplicatesDropped,
		m.CitiesCorrected,
		m.CitiesPatched,
		m.MergeRows,
		m.StageDuration,
		m.StageFailures,
	)
	return m
}

// ObserveStage records the duration and outcome of a stage.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration, err error) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveMerge records merge inserts and updates.
func (m *Metrics) ObserveMerge(inserted, updated int) {
	m.MergeRows.WithLabelValues("inserted").Add(float64(inserted))
	m.MergeRows.WithLabelValues("updated").Add(float64(updated))
}

// Push sends the registry to the Pushgateway, grouped by run parameters so
// each catalog and data source keeps its own series.
func (m *Metrics) Push(ctx context.Context, url, job string, p table.Params) error {
	err := push.New(url, job).
		Gatherer(m.Registry).
		Grouping("catalog", p.Catalog).
		Grouping("data_source", p.DataSource).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}

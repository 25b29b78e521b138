// Package metrics registers the Prometheus instruments for the sync pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mspbyte_sync_jobs_total",
			Help: "Sync jobs processed, by source and terminal status",
		},
		[]string{"source", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mspbyte_sync_step_duration_seconds",
			Help:    "Duration of individual sync chain steps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "step"},
	)

	rowsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mspbyte_sync_rows_reconciled_total",
			Help: "Mirror rows written or removed by reconciliation",
		},
		[]string{"table", "action"},
	)
)

// ObserveJob records a job reaching a terminal status.
func ObserveJob(source, status string) {
	jobsProcessed.WithLabelValues(source, status).Inc()
}

// ObserveStep records one chain step execution.
func ObserveStep(chain, step string, d time.Duration) {
	stepDuration.WithLabelValues(chain, step).Observe(d.Seconds())
}

// ObserveReconcile records applied reconciliation counts for one table.
func ObserveReconcile(table string, inserted, updated, deleted int) {
	if inserted > 0 {
		rowsReconciled.WithLabelValues(table, "insert").Add(float64(inserted))
	}
	if updated > 0 {
		rowsReconciled.WithLabelValues(table, "update").Add(float64(updated))
	}
	if deleted > 0 {
		rowsReconciled.WithLabelValues(table, "delete").Add(float64(deleted))
	}
}

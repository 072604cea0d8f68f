/*
metrics.go - Prometheus metrics for the periodic jobs and the engine

PURPOSE:
  Operator-facing counters and gauges, exposed by the ops server at /metrics.
  Amounts are recorded in integer minor units so the metrics never touch
  floating-point money; Grafana divides by 100 for display.
*/
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match_engine",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Completed periodic job runs by job name and outcome.",
	}, []string{"job", "outcome"})

	jobLastRun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "match_engine",
		Subsystem: "jobs",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed run per job.",
	}, []string{"job"})

	donationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match_engine",
		Subsystem: "jobs",
		Name:      "donations_processed_total",
		Help:      "Donations examined by periodic jobs, by job and action taken.",
	}, []string{"job", "action"})

	amountMovedMinorUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match_engine",
		Subsystem: "jobs",
		Name:      "amount_moved_minor_units_total",
		Help:      "Match funds moved by periodic jobs, in minor units, by job and currency.",
	}, []string{"job", "currency"})

	reconcilerVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match_engine",
		Subsystem: "reconciler",
		Name:      "verdicts_total",
		Help:      "Reconciler per-funding verdicts.",
	}, []string{"verdict"})
)

func observeRun(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	jobRuns.WithLabelValues(job, outcome).Inc()
	jobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
}

// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/steveyegge/sift/internal/pipeline"
	"github.com/steveyegge/sift/internal/quota"
)

const namespace = "sift"

// Metric label values for operation results.
const (
	ResultApplied       = "applied"
	ResultFailed        = "failed"
	ResultSkipped       = "skipped"
	ResultQuotaExceeded = "quota_exceeded"
)

// Metrics holds the pipeline collectors
type Metrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	eventsDrained prometheus.Counter
	rejected      *prometheus.CounterVec
	operations    *prometheus.CounterVec
	lastRun       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		eventsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_drained_total",
			Help:      "Total number of valid, distinct events drained from the buffer.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Total number of buffered events dropped before resolution.",
		}, []string{"reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of persistence operations by kind and result.",
		}, []string{"kind", "result"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_last_run_timestamp_seconds",
			Help:      "Unix time the most recent pipeline run finished.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.runs, m.runDuration, m.eventsDrained, m.rejected, m.operations, m.lastRun} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(r *pipeline.Report) {
	m.runs.WithLabelValues(string(r.State)).Inc()
	m.runDuration.Observe(r.Duration().Seconds())
	m.eventsDrained.Add(float64(r.Drained))
	m.rejected.WithLabelValues("invalid").Add(float64(r.Rejected))
	m.rejected.WithLabelValues("duplicate").Add(float64(r.Duplicates))
	m.lastRun.Set(float64(r.FinishedAt.Unix()))

	for _, o := range r.Outcomes {
		kind := "unresolved"
		if o.Op != nil {
			kind = string(o.Op.Kind)
		}
		m.operations.WithLabelValues(kind, result(o)).Inc()
	}
}

func result(o *pipeline.Outcome) string {
	switch {
	case o.Applied:
		return ResultApplied
	case o.Skipped:
		return ResultSkipped
	case errors.Is(o.Err, quota.ErrQuotaExceeded):
		return ResultQuotaExceeded
	case o.Err != nil:
		return ResultFailed
	}
	return ResultSkipped
}

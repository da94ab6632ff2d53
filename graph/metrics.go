package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EvaluatorMetrics collects Prometheus metrics for evaluator runs.
//
// Metrics (all namespaced "pipegraph"):
//   - jobs_ready (gauge): jobs currently offered to the caller.
//   - jobs_running (gauge): jobs the caller reported as running.
//   - jobs_succeeded_total, jobs_failed_total,
//     jobs_upstream_failed_total, jobs_not_needed_total (counters):
//     terminal outcomes.
//   - propagation_passes (histogram): worklist iterations needed per
//     event to reach a fixed point.
//
// A nil *EvaluatorMetrics is valid and disables collection.
type EvaluatorMetrics struct {
	jobsReady   prometheus.Gauge
	jobsRunning prometheus.Gauge

	succeeded      prometheus.Counter
	failed         prometheus.Counter
	upstreamFailed prometheus.Counter
	notNeeded      prometheus.Counter

	propagationPasses prometheus.Histogram
}

// NewEvaluatorMetrics creates and registers the evaluator metrics with the
// given registry. Pass prometheus.DefaultRegisterer for the global
// registry, or a private prometheus.NewRegistry() for isolation.
func NewEvaluatorMetrics(registry prometheus.Registerer) *EvaluatorMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &EvaluatorMetrics{
		jobsReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipegraph",
			Name:      "jobs_ready",
			Help:      "Jobs currently in ReadyToRun.",
		}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipegraph",
			Name:      "jobs_running",
			Help:      "Jobs currently in Running.",
		}),
		succeeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipegraph",
			Name:      "jobs_succeeded_total",
			Help:      "Jobs that finished successfully.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipegraph",
			Name:      "jobs_failed_total",
			Help:      "Jobs that finished with a failure.",
		}),
		upstreamFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipegraph",
			Name:      "jobs_upstream_failed_total",
			Help:      "Jobs skipped because a transitive upstream failed.",
		}),
		notNeeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipegraph",
			Name:      "jobs_not_needed_total",
			Help:      "Jobs skipped because their inputs were unchanged.",
		}),
		propagationPasses: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pipegraph",
			Name:      "propagation_passes",
			Help:      "Worklist iterations per event until fixed point.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 1024},
		}),
	}
}

func (m *EvaluatorMetrics) readyDelta(d int) {
	if m == nil {
		return
	}
	m.jobsReady.Add(float64(d))
}

func (m *EvaluatorMetrics) runningDelta(d int) {
	if m == nil {
		return
	}
	m.jobsRunning.Add(float64(d))
}

func (m *EvaluatorMetrics) terminal(s JobState) {
	if m == nil {
		return
	}
	switch s {
	case Succeeded:
		m.succeeded.Inc()
	case Failed:
		m.failed.Inc()
	case UpstreamFailed:
		m.upstreamFailed.Inc()
	case NotNeeded:
		m.notNeeded.Inc()
	}
}

func (m *EvaluatorMetrics) propagation(passes int) {
	if m == nil {
		return
	}
	m.propagationPasses.Observe(float64(passes))
}

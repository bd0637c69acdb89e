// Package obsmetrics wires the scheduler (C6) and locator (C7) into
// Prometheus, following the promauto.NewXVec registration style used
// across the example pack for process-wide metric singletons.
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mpc"

// Metrics is the process-wide instrumentation set. Construct once at
// startup via New and pass it to the scheduler/locator call sites.
type Metrics struct {
	JobRuns        *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobsRunning    *prometheus.GaugeVec
	JobTimeouts    *prometheus.CounterVec
	LocateRequests *prometheus.CounterVec
	LocateDuration *prometheus.HistogramVec
	LocateCacheHit prometheus.Counter
}

// New registers every metric against reg (pass prometheus.NewRegistry()
// in tests to avoid colliding with the global default registry).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Completed job runs by job key and terminal status.",
		}, []string{"job", "status"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a job's func() execution.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"job"}),

		JobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_running",
			Help:      "Jobs currently holding a RUNNING row.",
		}, []string{"job"}),

		JobTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_timeouts_total",
			Help:      "RUNNING rows reclaimed after exceeding the liveness timeout.",
		}, []string{"job"}),

		LocateRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "locate_requests_total",
			Help:      "Locate() calls by the query path taken.",
		}, []string{"method"}), // trilateration | weighted_centroid | nearest_fingerprint

		LocateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "locate_duration_seconds",
			Help:      "Locate() latency by query path.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),

		LocateCacheHit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "locate_cache_hits_total",
			Help:      "Locate() calls served from the per-process LRU without recomputation.",
		}),
	}
}

// ObserveJob records one completed job run.
func (m *Metrics) ObserveJob(job, status string, duration time.Duration) {
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// JobStarted/JobEnded track the RUNNING gauge around a job execution.
func (m *Metrics) JobStarted(job string) { m.JobsRunning.WithLabelValues(job).Inc() }
func (m *Metrics) JobEnded(job string)   { m.JobsRunning.WithLabelValues(job).Dec() }

// ObserveJobTimeout records a reclaimed stale RUNNING row.
func (m *Metrics) ObserveJobTimeout(job string) {
	m.JobTimeouts.WithLabelValues(job).Inc()
}

// ObserveLocate records one Locate() call.
func (m *Metrics) ObserveLocate(method string, duration time.Duration, cacheHit bool) {
	m.LocateRequests.WithLabelValues(method).Inc()
	m.LocateDuration.WithLabelValues(method).Observe(duration.Seconds())
	if cacheHit {
		m.LocateCacheHit.Inc()
	}
}

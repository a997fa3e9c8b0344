package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// CronJobMetrics covers the scheduled flush and reconcile loops.
type CronJobMetrics struct {
	duration  *prometheus.HistogramVec
	runs      *prometheus.CounterVec
	lockSkips *prometheus.CounterVec
}

// NewCronJobMetrics registers the job metrics on the provided registerer.
func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	m := &CronJobMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled jobs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by outcome.",
		}, []string{"job", "outcome"}),
		lockSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_lock_skips_total",
			Help:      "Cycles skipped because another instance held the loop lock.",
		}, []string{"loop"}),
	}
	reg.MustRegister(m.duration, m.runs, m.lockSkips)
	return m
}

// ObserveRun records one job execution.
func (c *CronJobMetrics) ObserveRun(job string, duration time.Duration, err error) {
	if c == nil || c.runs == nil {
		return
	}
	job = normalizeLabel(job)
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	c.duration.WithLabelValues(job).Observe(duration.Seconds())
	c.runs.WithLabelValues(job, outcome).Inc()
}

// IncLockSkipped counts a cycle that did not win the loop lock.
func (c *CronJobMetrics) IncLockSkipped(loop string) {
	if c == nil || c.lockSkips == nil {
		return
	}
	c.lockSkips.WithLabelValues(normalizeLabel(loop)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

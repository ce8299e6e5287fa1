// Package jobs runs the server's periodic maintenance work and reports it to Prometheus.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBackgroundJobLastSuccess = "background_job_last_success_timestamp_seconds"
)

// Job types used as the job_type label.
const (
	JobTypePresenceSweep      = "presence_sweep"
	JobTypeRateLimitCleanup   = "rate_limit_cleanup"
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeAuditRetention     = "audit_retention"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter is the subset of Metrics that background jobs report to.
// The presence janitor reports through the same three methods.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Metrics holds the background job collectors. A nil *Metrics discards everything.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec

	now func() time.Time
}

var _ Reporter = (*Metrics)(nil)

// NewMetrics creates unregistered job collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobsTotal,
			Help: "Background job runs by job type and status.",
		}, []string{"job_type", "status"}),
		// Maintenance jobs walk in-memory maps, so most runs finish in milliseconds.
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBackgroundJobsDuration,
			Help:    "Background job run time in seconds.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobErrorsTotal,
			Help: "Background job errors by job type and error type.",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricBackgroundJobLastSuccess,
			Help: "Unix time of the last successful run per job type.",
		}, []string{"job_type"}),
		now: time.Now,
	}
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.lastSuccess}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal counts a finished run. A successful run also moves the
// last-success timestamp for jobType.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
	if status == StatusSuccess {
		m.lastSuccess.WithLabelValues(jobType).Set(float64(m.now().Unix()))
	}
}

// ObserveJobDuration records how long one run took.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts a failure. errorType is a short label such as "timeout" or "evict_failed".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

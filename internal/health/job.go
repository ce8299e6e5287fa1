package health

import (
	"context"
	"errors"
)

// ErrJobNotRunning is returned when a background job that should be running has stopped.
var ErrJobNotRunning = errors.New("background job not running")

// Runner is implemented by background jobs with a Start/Stop lifecycle.
type Runner interface {
	IsRunning() bool
}

// JobChecker reports a background job as unhealthy once it stops running.
type JobChecker struct {
	job Runner
}

// NewJobChecker creates a health checker for job.
func NewJobChecker(job Runner) *JobChecker {
	return &JobChecker{job: job}
}

// HealthCheck returns ErrJobNotRunning when the job is not running.
func (j *JobChecker) HealthCheck(ctx context.Context) error {
	if !j.job.IsRunning() {
		return ErrJobNotRunning
	}
	return nil
}

package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/readalong/internal/tracing"
)

// RunPeriodic calls fn every interval until ctx is cancelled, reporting each run
// under jobType. A failed run is logged and counted; the loop keeps going.
// It blocks and should typically be run in a goroutine.
//
// reporter and logger may be nil.
func RunPeriodic(ctx context.Context, jobType string, interval time.Duration, reporter Reporter, logger *slog.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping periodic job", slog.String("job_type", jobType))
			return
		case <-ticker.C:
			runOnce(ctx, jobType, reporter, logger, fn)
		}
	}
}

func runOnce(ctx context.Context, jobType string, reporter Reporter, logger *slog.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, endSpan := tracing.StartJobSpan(ctx, jobType)
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()
	endSpan(err)

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		logger.Error("periodic job failed",
			slog.String("job_type", jobType),
			slog.String("error", err.Error()))
	}
	if reporter != nil {
		if err != nil {
			reporter.IncJobErrors(jobType, errorType(err))
		}
		reporter.IncJobsTotal(jobType, status)
		reporter.ObserveJobDuration(jobType, duration)
	}
}

// errorType maps a run error to the error_type label.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "run_failed"
	}
}

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// JobTypePresenceSweep labels janitor runs in background job metrics.
const JobTypePresenceSweep = "presence_sweep"

// Default janitor timings.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleAfter    = 10 * time.Minute
)

// JanitorConfig configures the presence janitor.
type JanitorConfig struct {
	// Interval is the duration between sweeps.
	Interval time.Duration
	// StaleAfter is how long a participant may go without activity before eviction.
	StaleAfter time.Duration
	// Logger for janitor activity.
	Logger *slog.Logger
	// Metrics for eviction counts.
	Metrics *Metrics
	// JobMetrics for centralized background job tracking.
	JobMetrics JobMetrics
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Janitor periodically evicts participants that stopped sending activity without a
// clean leave, and tells their former rooms they timed out.
type Janitor struct {
	config   JanitorConfig
	registry *Registry
	relay    *Relay

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var errEmptyRoom = errors.New("participant has no room")

// NewJanitor creates a janitor that evicts from the relay's registry.
func NewJanitor(config JanitorConfig, relay *Relay) *Janitor {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Janitor{
		config:   config,
		registry: relay.Registry(),
		relay:    relay,
	}
}

// Start begins periodic sweeps.
// Returns immediately; the janitor runs in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop signals the janitor to stop and waits for it to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the janitor loop is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("presence janitor stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("presence janitor stopping due to stop signal")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep evicts every stale participant once and returns how many were announced.
// The registry lock is held only while stale records are selected and removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	start := j.config.Now()
	cutoff := start.Add(-j.config.StaleAfter)

	stale := j.registry.RemoveStale(cutoff)

	evicted := 0
	failed := 0
	for _, p := range stale {
		if err := j.evict(ctx, p); err != nil {
			failed++
			j.config.Logger.Error("failed to evict stale participant",
				"connection_id", p.ConnectionID,
				"room_id", p.RoomID,
				"error", err)
			if j.config.JobMetrics != nil {
				j.config.JobMetrics.IncJobErrors(JobTypePresenceSweep, "evict_failed")
			}
			continue
		}
		evicted++
	}

	if len(stale) > 0 {
		j.config.Logger.Info("presence sweep evicted stale participants",
			"evicted", evicted,
			"failed", failed,
			"stale_after", j.config.StaleAfter)
	}

	if j.config.JobMetrics != nil {
		status := "success"
		if failed > 0 {
			status = "failure"
		}
		j.config.JobMetrics.IncJobsTotal(JobTypePresenceSweep, status)
		j.config.JobMetrics.ObserveJobDuration(JobTypePresenceSweep, j.config.Now().Sub(start).Seconds())
	}
	return evicted
}

// evict announces one removed participant. A panic from a downstream dispatcher is
// turned into an error so the remaining records are still processed.
func (j *Janitor) evict(ctx context.Context, p Participant) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while announcing eviction: %v", rec)
		}
	}()

	if p.RoomID == "" {
		return errEmptyRoom
	}
	j.config.Metrics.IncEvictions()
	j.relay.announceDeparture(ctx, p, ReasonTimeout)
	return nil
}

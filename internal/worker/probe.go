package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/provider/health"
)

// HealthTester probes every configured provider.
type HealthTester interface {
	TestAll(ctx context.Context) []health.ProviderHealth
}

// ProbeJob runs provider health probes on demand or on a schedule.
type ProbeJob struct {
	config ProbeConfig
	prober HealthTester
	clock  clockwork.Clock
	logger zerolog.Logger

	mu    sync.RWMutex
	stats ProbeStats
}

// ProbeStats tracks probe job statistics.
type ProbeStats struct {
	TotalRuns         int64
	TotalUnavailable  int64
	LastRunAt         time.Time
	LastRunDuration   time.Duration
	LastHealthyCount  int
	LastProviderCount int
}

// ProbeJobConfig holds configuration for creating a ProbeJob.
type ProbeJobConfig struct {
	Config ProbeConfig
	Prober HealthTester
	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// NewProbeJob creates a new probe job.
func NewProbeJob(cfg ProbeJobConfig) *ProbeJob {
	config := cfg.Config
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeConfig().Timeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ProbeJob{
		config: config,
		prober: cfg.Prober,
		clock:  clock,
		logger: cfg.Logger,
	}
}

// ProbeResult contains the result of one probe run.
type ProbeResult struct {
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Total       int
	Healthy     int
	Degraded    int
	Unavailable int
	Failures    []ProbeFailure
}

// ProbeFailure describes a provider that did not come back healthy.
type ProbeFailure struct {
	ProviderID string
	Status     health.Status
	Error      string
}

// Run probes every provider once.
func (j *ProbeJob) Run(ctx context.Context) *ProbeResult {
	startTime := j.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	all := j.prober.TestAll(ctx)

	result := &ProbeResult{
		StartTime: startTime,
		Total:     len(all),
	}
	for _, h := range all {
		switch h.Status {
		case health.StatusHealthy:
			result.Healthy++
			continue
		case health.StatusDegraded:
			result.Degraded++
		default:
			result.Unavailable++
		}
		result.Failures = append(result.Failures, ProbeFailure{
			ProviderID: h.ProviderID,
			Status:     h.Status,
			Error:      h.ErrorMessage,
		})
	}

	result.EndTime = j.clock.Now()
	result.Duration = result.EndTime.Sub(startTime)

	j.updateStats(result)

	event := j.logger.Info()
	if result.Unavailable > 0 {
		event = j.logger.Warn()
	}
	event.
		Dur("duration", result.Duration).
		Int("healthy", result.Healthy).
		Int("degraded", result.Degraded).
		Int("unavailable", result.Unavailable).
		Msg("provider probe run completed")

	return result
}

// RunEvery runs the probe every configured Interval until ctx is done. It
// returns immediately when the interval is zero.
func (j *ProbeJob) RunEvery(ctx context.Context) {
	if j.config.Interval <= 0 {
		return
	}

	ticker := j.clock.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.Run(ctx)
		}
	}
}

// Stats returns a copy of the current statistics.
func (j *ProbeJob) Stats() ProbeStats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats
}

func (j *ProbeJob) updateStats(result *ProbeResult) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stats.TotalRuns++
	j.stats.TotalUnavailable += int64(result.Unavailable)
	j.stats.LastRunAt = result.EndTime
	j.stats.LastRunDuration = result.Duration
	j.stats.LastHealthyCount = result.Healthy
	j.stats.LastProviderCount = result.Total
}

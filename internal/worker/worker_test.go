package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch/jobwatch/internal/provider/health"
	"github.com/jobwatch/jobwatch/internal/worker"
)

type recordingJobs struct {
	mu       sync.Mutex
	started  []string
	interval time.Duration
	stopped  []string
}

func (r *recordingJobs) StartBatchPolling(ids []string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, ids...)
	r.interval = d
}

func (r *recordingJobs) StopJobPolling(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
}

type staticProber struct {
	calls   int
	results []health.ProviderHealth
}

func (s *staticProber) TestAll(context.Context) []health.ProviderHealth {
	s.calls++
	return s.results
}

func newProbeJob(p worker.HealthTester, clock clockwork.Clock, interval time.Duration) *worker.ProbeJob {
	cfg := worker.DefaultProbeConfig()
	cfg.Interval = interval
	return worker.NewProbeJob(worker.ProbeJobConfig{
		Config: cfg,
		Prober: p,
		Clock:  clock,
		Logger: zerolog.Nop(),
	})
}

func TestMessage_JobIDList(t *testing.T) {
	msg := worker.Message{JobID: "a", JobIDs: []string{"b", "", "c"}}
	assert.Equal(t, []string{"a", "b", "c"}, msg.JobIDList())
	assert.Empty(t, worker.Message{}.JobIDList())
}

func TestDispatcher_JobMessages(t *testing.T) {
	jobs := &recordingJobs{}
	d := worker.NewDispatcher(jobs, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, []byte(`{"type":"job_submitted","job_id":"j1","interval_ms":2500}`)))
	require.NoError(t, d.Dispatch(ctx, []byte(`{"type":"job_submitted","job_ids":["j2","j3"]}`)))
	require.NoError(t, d.Dispatch(ctx, []byte(`{"type":"job_cancelled","job_id":"j2"}`)))

	assert.Equal(t, []string{"j1", "j2", "j3"}, jobs.started)
	assert.Equal(t, time.Duration(0), jobs.interval)
	assert.Equal(t, []string{"j2"}, jobs.stopped)
}

func TestDispatcher_Errors(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantErr   error
		retryable bool
	}{
		{name: "not json", data: `{`, wantErr: worker.ErrMalformedMessage},
		{name: "submitted without id", data: `{"type":"job_submitted"}`, wantErr: worker.ErrMalformedMessage},
		{name: "cancelled without id", data: `{"type":"job_cancelled","job_ids":[""]}`, wantErr: worker.ErrMalformedMessage},
		{name: "negative interval", data: `{"type":"job_submitted","job_id":"x","interval_ms":-1}`, wantErr: worker.ErrMalformedMessage},
		{name: "health check without probe", data: `{"type":"provider_health_check"}`, wantErr: worker.ErrUnsupportedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &recordingJobs{}
			d := worker.NewDispatcher(jobs, nil, zerolog.Nop())

			err := d.Dispatch(context.Background(), []byte(tt.data))

			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.retryable, worker.Retryable(err))
			assert.Empty(t, jobs.started)
		})
	}
}

func TestDispatcher_UnknownTypeIgnored(t *testing.T) {
	jobs := &recordingJobs{}
	d := worker.NewDispatcher(jobs, nil, zerolog.Nop())

	assert.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"job_archived","job_id":"j1"}`)))
	assert.Empty(t, jobs.started)
	assert.Empty(t, jobs.stopped)
}

func TestDispatcher_HealthCheck(t *testing.T) {
	prober := &staticProber{results: []health.ProviderHealth{
		{ProviderID: "openai", Status: health.StatusHealthy},
	}}
	d := worker.NewDispatcher(&recordingJobs{}, newProbeJob(prober, clockwork.NewFakeClock(), 0), zerolog.Nop())

	require.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"provider_health_check"}`)))
	assert.Equal(t, 1, prober.calls)
}

func TestDispatcher_HealthCheckCancelledIsRetryable(t *testing.T) {
	prober := &staticProber{}
	d := worker.NewDispatcher(&recordingJobs{}, newProbeJob(prober, clockwork.NewFakeClock(), 0), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Dispatch(ctx, []byte(`{"type":"provider_health_check"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, worker.Retryable(err))
}

func TestRetryable_Nil(t *testing.T) {
	assert.False(t, worker.Retryable(nil))
}

func TestProbeJob_Run(t *testing.T) {
	prober := &staticProber{results: []health.ProviderHealth{
		{ProviderID: "openai", Status: health.StatusHealthy},
		{ProviderID: "anthropic", Status: health.StatusDegraded, ErrorMessage: "slow response: 6s"},
		{ProviderID: "ollama", Status: health.StatusUnavailable, ErrorMessage: "connection refused"},
	}}
	job := newProbeJob(prober, clockwork.NewFakeClock(), 0)

	result := job.Run(context.Background())

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Healthy)
	assert.Equal(t, 1, result.Degraded)
	assert.Equal(t, 1, result.Unavailable)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, "anthropic", result.Failures[0].ProviderID)
	assert.Equal(t, "connection refused", result.Failures[1].Error)

	stats := job.Stats()
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.TotalUnavailable)
	assert.Equal(t, 3, stats.LastProviderCount)
	assert.Equal(t, 1, stats.LastHealthyCount)
}

func TestProbeJob_RunEvery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runs := make(chan struct{}, 4)
	prober := healthFunc(func() { runs <- struct{}{} })
	job := newProbeJob(prober, clock, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.RunEvery(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
		waitCancel()

		clock.Advance(time.Minute)
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatal("probe did not run")
		}
	}

	cancel()
	<-done
	assert.Equal(t, int64(2), job.Stats().TotalRuns)
}

func TestProbeJob_RunEveryDisabled(t *testing.T) {
	job := newProbeJob(&staticProber{}, clockwork.NewFakeClock(), 0)

	done := make(chan struct{})
	go func() {
		job.RunEvery(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunEvery should return when the interval is zero")
	}
}

type healthFunc func()

func (f healthFunc) TestAll(context.Context) []health.ProviderHealth {
	f()
	return nil
}

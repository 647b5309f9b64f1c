package polling_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch/jobwatch/internal/polling"
)

// fakeClock is the subset of clockwork's fake clock used by these tests.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type harness struct {
	clock  fakeClock
	sched  *polling.Scheduler
	events chan polling.Event
	calls  atomic.Int32
}

func testPolicy() polling.Policy {
	return polling.Policy{
		MinInterval:       500 * time.Millisecond,
		MaxInterval:       10 * time.Second,
		Multiplier:        1.5,
		ProgressThreshold: 50,
		MaxRetries:        3,
	}
}

func newHarness(t *testing.T, policy polling.Policy, fetch func(ctx context.Context, call int, jobID string) (polling.JobStatus, error)) *harness {
	t.Helper()

	h := &harness{
		clock:  clockwork.NewFakeClock(),
		events: make(chan polling.Event, 64),
	}

	sched, err := polling.NewScheduler(polling.Config{
		Fetcher: polling.FetcherFunc(func(ctx context.Context, jobID string) (polling.JobStatus, error) {
			call := int(h.calls.Add(1))
			return fetch(ctx, call, jobID)
		}),
		Policy:   policy,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
		Listener: func(ev polling.Event) { h.events <- ev },
	})
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	h.sched = sched
	return h
}

// waitTimers blocks until exactly n timers are armed on the fake clock.
func (h *harness) waitTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n), "waiting for %d timers", n)
}

func (h *harness) nextEvent(t *testing.T) polling.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for scheduler event")
		return polling.Event{}
	}
}

func (h *harness) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %s for %s", ev.Kind, ev.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

// tick waits for the job timer, advances past it and returns the resulting event.
func (h *harness) tick(t *testing.T, d time.Duration) polling.Event {
	t.Helper()
	h.waitTimers(t, 1)
	h.clock.Advance(d)
	return h.nextEvent(t)
}

func statusAt(progress float64) polling.JobStatus {
	return polling.JobStatus{Status: polling.StatusDecompiling, ProgressPercent: progress}
}

func TestNewScheduler_RequiresFetcher(t *testing.T) {
	_, err := polling.NewScheduler(polling.Config{Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, polling.ErrNilFetcher)
}

func TestNewScheduler_RejectsInvalidPolicy(t *testing.T) {
	_, err := polling.NewScheduler(polling.Config{
		Fetcher: polling.FetcherFunc(func(context.Context, string) (polling.JobStatus, error) {
			return polling.JobStatus{}, nil
		}),
		Policy: polling.Policy{MinInterval: 10 * time.Second, MaxInterval: time.Second},
	})
	assert.ErrorIs(t, err, polling.ErrInvalidPolicy)
}

func TestScheduler_StartThenStopNeverFetches(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.sched.StopJobPolling("job-1")

	h.waitTimers(t, 0)
	h.clock.Advance(time.Minute)

	h.assertNoEvent(t)
	assert.Equal(t, int32(0), h.calls.Load())
	assert.False(t, h.sched.IsActive("job-1"))
}

func TestScheduler_StopUnknownJobIsNoop(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(0), nil
	})

	assert.NotPanics(t, func() {
		h.sched.StopJobPolling("does-not-exist")
		h.sched.StopJobPolling("does-not-exist")
	})
}

func TestScheduler_StartTwiceArmsOneTimer(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.sched.StartJobPolling("job-1", 2*time.Second)

	status := h.sched.GetPollingStatus()
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, time.Second, status.Jobs[0].CurrentInterval)

	ev := h.tick(t, time.Second)
	assert.Equal(t, polling.EventProgress, ev.Kind)
	h.assertNoEvent(t)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestScheduler_AdaptiveScenario(t *testing.T) {
	responses := []polling.JobStatus{
		{Status: polling.StatusDecompiling, ProgressPercent: 10},
		{Status: polling.StatusTranslating, ProgressPercent: 80},
		{Status: polling.StatusCompleted, ProgressPercent: 100, IsCompleted: true},
	}
	h := newHarness(t, testPolicy(), func(_ context.Context, call int, _ string) (polling.JobStatus, error) {
		return responses[call-1], nil
	})

	h.sched.StartJobPolling("job-1", time.Second)

	// slow progress grows the interval
	ev := h.tick(t, time.Second)
	require.Equal(t, polling.EventProgress, ev.Kind)
	grown := ev.State.CurrentInterval
	assert.GreaterOrEqual(t, grown, time.Second)

	// fast progress shrinks it toward the minimum
	ev = h.tick(t, grown)
	require.Equal(t, polling.EventProgress, ev.Kind)
	assert.Less(t, ev.State.CurrentInterval, grown)
	assert.GreaterOrEqual(t, ev.State.CurrentInterval, testPolicy().MinInterval)

	// completion removes the job and arms no further timer
	ev = h.tick(t, ev.State.CurrentInterval)
	assert.Equal(t, polling.EventCompleted, ev.Kind)
	assert.NoError(t, ev.Err)
	assert.False(t, ev.State.IsActive)
	assert.False(t, h.sched.IsActive("job-1"))
	assert.Empty(t, h.sched.GetPollingStatus().Jobs)

	h.waitTimers(t, 0)
	h.clock.Advance(time.Minute)
	h.assertNoEvent(t)
	assert.Equal(t, int32(3), h.calls.Load())
}

func TestScheduler_SuccessResetsRetryCount(t *testing.T) {
	h := newHarness(t, testPolicy(), func(_ context.Context, call int, _ string) (polling.JobStatus, error) {
		if call == 1 {
			return polling.JobStatus{}, errors.New("502 bad gateway")
		}
		return statusAt(20), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)

	ev := h.tick(t, time.Second)
	require.Equal(t, polling.EventRetrying, ev.Kind)
	assert.Equal(t, 1, ev.State.RetryCount)
	assert.Equal(t, "502 bad gateway", ev.State.LastError)

	ev = h.tick(t, ev.State.CurrentInterval)
	require.Equal(t, polling.EventProgress, ev.Kind)
	assert.Equal(t, 0, ev.State.RetryCount)
	assert.Empty(t, ev.State.LastError)
}

func TestScheduler_FailureBacksOffSteeply(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return polling.JobStatus{}, errors.New("connection reset")
	})

	h.sched.StartJobPolling("job-1", 2*time.Second)

	ev := h.tick(t, 2*time.Second)
	require.Equal(t, polling.EventRetrying, ev.Kind)
	// 2s * 1.5^2
	assert.Equal(t, 4500*time.Millisecond, ev.State.CurrentInterval)
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	policy := testPolicy()
	h := newHarness(t, policy, func(context.Context, int, string) (polling.JobStatus, error) {
		return polling.JobStatus{}, errors.New("service unavailable")
	})

	h.sched.StartJobPolling("job-1", time.Second)

	var ev polling.Event
	for i := 0; i < policy.MaxRetries; i++ {
		ev = h.tick(t, policy.MaxInterval)
	}

	assert.Equal(t, polling.EventAbandoned, ev.Kind)
	assert.ErrorIs(t, ev.Err, polling.ErrRetryBudgetExhausted)
	assert.Equal(t, policy.MaxRetries, ev.State.RetryCount)
	assert.False(t, h.sched.IsActive("job-1"))

	h.waitTimers(t, 0)
	h.clock.Advance(time.Hour)
	h.assertNoEvent(t)
	assert.Equal(t, int32(policy.MaxRetries), h.calls.Load())
}

func TestScheduler_ResumeKeepsRetryBudget(t *testing.T) {
	policy := testPolicy()
	h := newHarness(t, policy, func(context.Context, int, string) (polling.JobStatus, error) {
		return polling.JobStatus{}, errors.New("service unavailable")
	})

	h.sched.ResumeJobPolling(polling.PollingState{
		JobID:           "job-1",
		CurrentInterval: 2 * time.Second,
		RetryCount:      policy.MaxRetries - 1,
		LastError:       "timeout",
	})

	status := h.sched.GetPollingStatus()
	require.Len(t, status.Jobs, 1)
	assert.True(t, status.Jobs[0].IsActive)
	assert.Equal(t, policy.MaxRetries-1, status.Jobs[0].RetryCount)
	assert.Equal(t, "timeout", status.Jobs[0].LastError)

	ev := h.tick(t, 2*time.Second)
	assert.Equal(t, polling.EventAbandoned, ev.Kind)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.False(t, h.sched.IsActive("job-1"))
}

func TestScheduler_ResumeActiveJobIsNoop(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.sched.ResumeJobPolling(polling.PollingState{JobID: "job-1", CurrentInterval: 5 * time.Second, RetryCount: 2})

	snap := h.sched.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, time.Second, snap[0].CurrentInterval)
	assert.Zero(t, snap[0].RetryCount)
	h.waitTimers(t, 1)
}

func TestScheduler_IntervalStaysWithinBounds(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 100

	h := newHarness(t, policy, func(_ context.Context, call int, _ string) (polling.JobStatus, error) {
		switch call % 5 {
		case 0:
			return polling.JobStatus{}, errors.New("timeout")
		case 1, 2:
			return statusAt(5), nil
		default:
			return statusAt(95), nil
		}
	})

	h.sched.StartJobPolling("job-1", time.Hour)
	status := h.sched.GetPollingStatus()
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, policy.MaxInterval, status.Jobs[0].CurrentInterval)

	for i := 0; i < 40; i++ {
		ev := h.tick(t, policy.MaxInterval)
		assert.GreaterOrEqual(t, ev.State.CurrentInterval, policy.MinInterval)
		assert.LessOrEqual(t, ev.State.CurrentInterval, policy.MaxInterval)
	}
}

func TestScheduler_TerminalFailureSurfacesJobError(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return polling.JobStatus{Status: "FAILED", Message: "unsupported architecture"}, nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	ev := h.tick(t, time.Second)

	assert.Equal(t, polling.EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, polling.ErrJobFailed)

	var jobErr *polling.JobError
	require.ErrorAs(t, ev.Err, &jobErr)
	assert.Equal(t, "job-1", jobErr.JobID)
	assert.Contains(t, jobErr.Error(), "unsupported architecture")
	assert.False(t, h.sched.IsActive("job-1"))
}

func TestScheduler_CancelledJob(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return polling.JobStatus{Status: "canceled"}, nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	ev := h.tick(t, time.Second)

	assert.Equal(t, polling.EventCancelled, ev.Kind)
	assert.ErrorIs(t, ev.Err, polling.ErrJobCancelled)
}

func TestScheduler_FetcherPanicIsRetried(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		panic("decoder exploded")
	})

	h.sched.StartJobPolling("job-1", time.Second)
	ev := h.tick(t, time.Second)

	assert.Equal(t, polling.EventRetrying, ev.Kind)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "correlation_id")
	assert.True(t, h.sched.IsActive("job-1"))
}

func TestScheduler_LateResultOfStoppedJobIsDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	h := newHarness(t, testPolicy(), func(ctx context.Context, _ int, _ string) (polling.JobStatus, error) {
		close(entered)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return statusAt(90), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.waitTimers(t, 1)
	h.clock.Advance(time.Second)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not issued")
	}

	status := h.sched.GetPollingStatus()
	require.Len(t, status.Jobs, 1)
	assert.True(t, status.Jobs[0].InFlight)
	assert.True(t, status.Jobs[0].NextPollAt.IsZero())

	h.sched.StopJobPolling("job-1")
	close(release)

	h.assertNoEvent(t)
	assert.True(t, sawCancel.Load(), "in-flight fetch context should be cancelled")
	assert.False(t, h.sched.IsActive("job-1"))
	h.waitTimers(t, 0)
}

func TestScheduler_RestartAfterStopIsFreshJob(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.sched.StopJobPolling("job-1")
	h.sched.StartJobPolling("job-1", 2*time.Second)

	ev := h.tick(t, 2*time.Second)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestScheduler_PauseIsReferenceCounted(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.waitTimers(t, 1)

	h.sched.PauseAll()
	h.sched.PauseAll()
	h.waitTimers(t, 0)

	h.sched.ResumeAll()
	status := h.sched.GetPollingStatus()
	assert.True(t, status.Paused)
	assert.Equal(t, 1, status.PauseDepth)

	h.clock.Advance(time.Minute)
	h.assertNoEvent(t)
	assert.Equal(t, int32(0), h.calls.Load())

	h.sched.ResumeAll()
	assert.False(t, h.sched.GetPollingStatus().Paused)

	ev := h.tick(t, time.Second)
	assert.Equal(t, polling.EventProgress, ev.Kind)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestScheduler_ExtraResumeIsIgnored(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.ResumeAll()
	h.sched.PauseAll()

	status := h.sched.GetPollingStatus()
	assert.True(t, status.Paused)
	assert.Equal(t, 1, status.PauseDepth)
}

func TestScheduler_StartWhilePausedWaitsForResume(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.PauseAll()
	h.sched.StartBatchPolling([]string{"job-1", "job-2"}, time.Second)

	status := h.sched.GetPollingStatus()
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, status.ActiveJobIDs())
	h.waitTimers(t, 0)

	h.sched.ResumeAll()
	h.waitTimers(t, 2)
}

func TestScheduler_ResultWhilePausedIsRescheduledOnResume(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		select {
		case <-entered:
		default:
			close(entered)
		}
		<-release
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", time.Second)
	h.waitTimers(t, 1)
	h.clock.Advance(time.Second)
	<-entered

	h.sched.PauseAll()
	close(release)

	ev := h.nextEvent(t)
	assert.Equal(t, polling.EventProgress, ev.Kind)
	h.waitTimers(t, 0)

	h.sched.ResumeAll()
	h.waitTimers(t, 1)
	assert.True(t, h.sched.IsActive("job-1"))
}

func TestScheduler_ResetIntervals(t *testing.T) {
	policy := testPolicy()
	h := newHarness(t, policy, func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartJobPolling("job-1", 8*time.Second)
	h.sched.ResetIntervals()

	status := h.sched.GetPollingStatus()
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, policy.MinInterval, status.Jobs[0].CurrentInterval)
	assert.Equal(t, h.clock.Now().Add(policy.MinInterval), status.Jobs[0].NextPollAt)

	ev := h.tick(t, policy.MinInterval)
	assert.Equal(t, polling.EventProgress, ev.Kind)
}

func TestScheduler_Snapshot(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartBatchPolling([]string{"b", "a"}, 2*time.Second)

	states := h.sched.Snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].JobID)
	assert.Equal(t, "b", states[1].JobID)
	assert.True(t, states[0].IsActive)
	assert.Equal(t, 2*time.Second, states[0].CurrentInterval)
}

func TestScheduler_CloseStopsEverything(t *testing.T) {
	h := newHarness(t, testPolicy(), func(context.Context, int, string) (polling.JobStatus, error) {
		return statusAt(10), nil
	})

	h.sched.StartBatchPolling([]string{"a", "b", "c"}, time.Second)
	h.waitTimers(t, 3)

	h.sched.Close()
	h.waitTimers(t, 0)

	h.sched.StartJobPolling("d", time.Second)
	assert.Empty(t, h.sched.GetPollingStatus().Jobs)
}

// Package polling provides the adaptive job status scheduler.
//
// Remote decompilation and translation jobs expose no push channel, so the
// Scheduler re-queries each job's status on its own timer. Intervals grow
// while a job moves slowly, shrink while it moves fast, and widen steeply
// on fetch failures until the retry budget is exhausted.
//
// Per job the scheduler walks Idle -> Scheduled -> InFlight and then back to
// Scheduled or out of the live map once the job is terminal. At most one
// fetch per job is in flight; the next timer is armed only after the
// previous fetch resolved. Results arriving for a job that was stopped in
// the meantime are discarded.
package polling

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StatusFetcher performs the actual status request for a job. It is supplied
// by the host application and owns transport, framing and timeouts.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// FetcherFunc adapts a function to the StatusFetcher interface.
type FetcherFunc func(ctx context.Context, jobID string) (JobStatus, error)

// FetchStatus calls f(ctx, jobID).
func (f FetcherFunc) FetchStatus(ctx context.Context, jobID string) (JobStatus, error) {
	return f(ctx, jobID)
}

// Config holds configuration for the Scheduler.
type Config struct {
	// Fetcher performs status requests (required).
	Fetcher StatusFetcher

	// Policy tunes interval adaptation. Zero fields take defaults.
	Policy Policy

	// Clock drives all timers. Default: real clock.
	Clock clockwork.Clock

	// Logger for scheduler operations.
	Logger zerolog.Logger

	// Listener receives an Event after each processed poll (optional).
	Listener Listener
}

// Scheduler owns the polling state of every active job.
//
// All methods are safe for concurrent use. None of them block on a fetch.
type Scheduler struct {
	fetcher  StatusFetcher
	policy   Policy
	clock    clockwork.Clock
	logger   zerolog.Logger
	listener Listener
	metrics  *schedulerMetrics
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	jobs       map[string]*jobEntry
	pauseDepth int
	closed     bool
}

type jobEntry struct {
	state      PollingState
	timer      clockwork.Timer
	nextPollAt time.Time
	inFlight   bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Fetcher == nil {
		return nil, ErrNilFetcher
	}

	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	metrics, err := newSchedulerMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		fetcher:  cfg.Fetcher,
		policy:   policy,
		clock:    clock,
		logger:   cfg.Logger,
		listener: cfg.Listener,
		metrics:  metrics,
		tracer:   otel.Tracer(instrumentationName),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*jobEntry),
	}, nil
}

// Policy returns the effective polling policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// StartJobPolling begins polling jobID. The first fetch happens after
// initialInterval, clamped into the policy bounds. Calling it for a job that
// is already active is a no-op.
func (s *Scheduler) StartJobPolling(jobID string, initialInterval time.Duration) {
	s.start(PollingState{JobID: jobID, CurrentInterval: initialInterval})
}

// ResumeJobPolling starts polling from a previously stored state, keeping
// its interval, retry count, last error and last poll time. It is a no-op
// for a job that is already active.
func (s *Scheduler) ResumeJobPolling(state PollingState) {
	s.start(state)
}

func (s *Scheduler) start(state PollingState) {
	jobID := state.JobID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.jobs[jobID]; ok {
		s.mu.Unlock()
		return
	}

	state.CurrentInterval = s.policy.Clamp(state.CurrentInterval)
	state.IsActive = true

	ctx, cancel := context.WithCancel(s.ctx)
	e := &jobEntry{
		state:  state,
		ctx:    ctx,
		cancel: cancel,
	}
	s.jobs[jobID] = e
	if s.pauseDepth == 0 {
		s.scheduleLocked(e, e.state.CurrentInterval)
	}
	s.mu.Unlock()

	s.metrics.jobStarted(s.ctx)
	s.logger.Debug().
		Str("job_id", jobID).
		Dur("interval", state.CurrentInterval).
		Int("retry_count", state.RetryCount).
		Msg("job polling started")
}

// StartBatchPolling starts polling for every id in jobIDs.
func (s *Scheduler) StartBatchPolling(jobIDs []string, initialInterval time.Duration) {
	for _, id := range jobIDs {
		s.StartJobPolling(id, initialInterval)
	}
}

// StopJobPolling cancels any pending timer and in-flight fetch for jobID and
// forgets its state. Unknown ids are ignored.
func (s *Scheduler) StopJobPolling(jobID string) {
	s.mu.Lock()
	e, ok := s.jobs[jobID]
	if ok {
		s.removeLocked(e)
	}
	s.mu.Unlock()

	if ok {
		s.metrics.jobFinished(s.ctx, "stopped")
		s.logger.Debug().Str("job_id", jobID).Msg("job polling stopped")
	}
}

// PauseAll suspends all timers while keeping every job's state. Pauses are
// reference counted; each PauseAll needs a matching ResumeAll.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	s.pauseDepth++
	depth := s.pauseDepth
	if depth == 1 {
		for _, e := range s.jobs {
			s.unscheduleLocked(e)
		}
	}
	s.mu.Unlock()

	s.logger.Debug().Int("pause_depth", depth).Msg("polling paused")
}

// ResumeAll releases one pause. Timers are re-armed only once the last
// pause is released. Calling it while not paused is a no-op.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	if s.pauseDepth == 0 {
		s.mu.Unlock()
		return
	}
	s.pauseDepth--
	depth := s.pauseDepth
	if depth == 0 && !s.closed {
		for _, e := range s.jobs {
			if !e.inFlight && e.timer == nil {
				s.scheduleLocked(e, e.state.CurrentInterval)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Debug().Int("pause_depth", depth).Msg("polling resume requested")
}

// ResetIntervals sets every active job back to the minimum interval so that
// polling catches up quickly, e.g. after coming back online.
func (s *Scheduler) ResetIntervals() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.jobs {
		e.state.CurrentInterval = s.policy.MinInterval
		if e.timer != nil {
			s.scheduleLocked(e, e.state.CurrentInterval)
		}
	}
}

// IsActive reports whether jobID is currently tracked.
func (s *Scheduler) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// GetPollingStatus returns a read-only snapshot of the scheduler.
func (s *Scheduler) GetPollingStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Paused:     s.pauseDepth > 0,
		PauseDepth: s.pauseDepth,
		Jobs:       make([]JobSnapshot, 0, len(s.jobs)),
	}
	for _, e := range s.jobs {
		snap := JobSnapshot{
			PollingState: e.state,
			InFlight:     e.inFlight,
		}
		if e.timer != nil {
			snap.NextPollAt = e.nextPollAt
		}
		status.Jobs = append(status.Jobs, snap)
	}
	sort.Slice(status.Jobs, func(i, j int) bool {
		return status.Jobs[i].JobID < status.Jobs[j].JobID
	})
	return status
}

// Snapshot returns the state of every active job for persistence. The
// result holds no credentials and can be stored as is.
func (s *Scheduler) Snapshot() []PollingState {
	status := s.GetPollingStatus()
	states := make([]PollingState, 0, len(status.Jobs))
	for _, j := range status.Jobs {
		states = append(states, j.PollingState)
	}
	return states
}

// Close stops polling for all jobs. The scheduler cannot be reused.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := len(s.jobs)
	for _, e := range s.jobs {
		s.removeLocked(e)
	}
	s.mu.Unlock()

	for range stopped {
		s.metrics.jobFinished(s.ctx, "stopped")
	}
	s.cancel()
}

// scheduleLocked arms e's timer. s.mu must be held.
func (s *Scheduler) scheduleLocked(e *jobEntry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.nextPollAt = s.clock.Now().Add(d)
	var t clockwork.Timer
	t = s.clock.AfterFunc(d, func() { s.poll(e, t) })
	e.timer = t
}

func (s *Scheduler) unscheduleLocked(e *jobEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *Scheduler) removeLocked(e *jobEntry) {
	s.unscheduleLocked(e)
	e.cancel()
	e.state.IsActive = false
	delete(s.jobs, e.state.JobID)
}

// poll runs when timer t fires. A callback whose timer was stopped or
// replaced while it waited for the lock is stale and does nothing.
func (s *Scheduler) poll(e *jobEntry, t clockwork.Timer) {
	s.mu.Lock()
	if s.closed || s.pauseDepth > 0 || e.inFlight || e.timer != t || s.jobs[e.state.JobID] != e {
		s.mu.Unlock()
		return
	}
	e.inFlight = true
	e.timer = nil
	e.state.LastPollAt = s.clock.Now()
	ctx, jobID := e.ctx, e.state.JobID
	s.mu.Unlock()

	status, err := s.fetch(ctx, jobID)
	s.handleResult(e, status, err)
}

// fetch invokes the fetcher once. Panics are converted into errors so a
// misbehaving fetcher counts as a transient failure.
func (s *Scheduler) fetch(ctx context.Context, jobID string) (status JobStatus, err error) {
	ctx, span := s.tracer.Start(ctx, "polling.fetch",
		trace.WithAttributes(attribute.String("job.id", jobID)),
	)
	defer span.End()

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error().
				Str("job_id", jobID).
				Str("correlation_id", correlationID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("status fetcher panic")
			err = fmt.Errorf("status fetcher panic (correlation_id: %s)", correlationID)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.recordFetch(ctx, s.clock.Since(start), err)
	}()

	return s.fetcher.FetchStatus(ctx, jobID)
}

func (s *Scheduler) handleResult(e *jobEntry, status JobStatus, err error) {
	s.mu.Lock()
	e.inFlight = false
	if s.jobs[e.state.JobID] != e {
		s.mu.Unlock()
		s.logger.Debug().Str("job_id", e.state.JobID).Msg("discarding result for stopped job")
		return
	}

	ev := Event{JobID: e.state.JobID, Status: status}
	switch {
	case err != nil:
		e.state.RetryCount++
		e.state.LastError = err.Error()
		if e.state.RetryCount >= s.policy.MaxRetries {
			ev.Kind = EventAbandoned
			ev.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, e.state.RetryCount, err)
			s.removeLocked(e)
			break
		}
		ev.Kind = EventRetrying
		ev.Err = err
		e.state.CurrentInterval = s.policy.AfterFailure(e.state.CurrentInterval)
		s.rescheduleLocked(e)

	case status.IsTerminal():
		e.state.RetryCount = 0
		e.state.LastError = ""
		ev.Kind, ev.Err = terminalOutcome(e.state.JobID, status)
		s.removeLocked(e)

	default:
		e.state.RetryCount = 0
		e.state.LastError = ""
		e.state.CurrentInterval = s.policy.AfterSuccess(e.state.CurrentInterval, status.ProgressPercent)
		ev.Kind = EventProgress
		s.rescheduleLocked(e)
	}
	ev.State = e.state
	s.mu.Unlock()

	s.report(ev)
}

// rescheduleLocked re-arms e unless polling is paused; ResumeAll picks it
// up otherwise.
func (s *Scheduler) rescheduleLocked(e *jobEntry) {
	if s.pauseDepth > 0 || s.closed {
		return
	}
	s.scheduleLocked(e, e.state.CurrentInterval)
}

func terminalOutcome(jobID string, status JobStatus) (EventKind, error) {
	switch status.normalized() {
	case StatusFailed:
		return EventFailed, &JobError{JobID: jobID, Status: StatusFailed, Message: status.Message}
	case StatusCancelled:
		return EventCancelled, &JobError{JobID: jobID, Status: StatusCancelled, Message: status.Message}
	default:
		return EventCompleted, nil
	}
}

func (s *Scheduler) report(ev Event) {
	logEvent := s.logger.Debug()
	switch ev.Kind {
	case EventAbandoned:
		logEvent = s.logger.Warn()
	case EventRetrying:
		logEvent = s.logger.Info()
	}
	logEvent.
		Str("job_id", ev.JobID).
		Str("event", string(ev.Kind)).
		Str("status", ev.Status.Status).
		Float64("progress", ev.Status.ProgressPercent).
		Int("retry_count", ev.State.RetryCount).
		Dur("interval", ev.State.CurrentInterval).
		Err(ev.Err).
		Msg("job poll processed")

	if ev.Kind.IsFinal() {
		s.metrics.jobFinished(s.ctx, string(ev.Kind))
	}

	if s.listener != nil {
		s.listener(ev)
	}
}

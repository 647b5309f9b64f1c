package polling

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Predefined polling errors.
var (
	// ErrNilFetcher is returned by NewScheduler when no StatusFetcher is configured.
	ErrNilFetcher = errors.New("polling: status fetcher is required")

	// ErrInvalidPolicy is returned when a Policy violates its bounds.
	ErrInvalidPolicy = errors.New("polling: invalid policy")

	// ErrRetryBudgetExhausted marks a job whose polling was abandoned after
	// MaxRetries consecutive fetch failures.
	ErrRetryBudgetExhausted = errors.New("polling abandoned: retry budget exhausted")

	// ErrJobFailed is wrapped by JobError when the remote job reports failure.
	ErrJobFailed = errors.New("job failed")

	// ErrJobCancelled is wrapped by JobError when the remote job was cancelled.
	ErrJobCancelled = errors.New("job cancelled")
)

// Job status values reported by the decompilation service.
const (
	StatusPending     = "pending"
	StatusQueued      = "queued"
	StatusDecompiling = "decompiling"
	StatusTranslating = "translating"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// JobStatus is the result of a single status fetch.
type JobStatus struct {
	// Status is the remote job state, e.g. "decompiling" or "completed".
	Status string

	// ProgressPercent is the reported progress in the range 0-100.
	ProgressPercent float64

	// IsCompleted is set by the remote side once no further transitions occur.
	IsCompleted bool

	// Message is an optional human-readable status detail.
	Message string
}

func (s JobStatus) normalized() string {
	status := strings.ToLower(strings.TrimSpace(s.Status))
	if status == "canceled" {
		return StatusCancelled
	}
	return status
}

// IsTerminal reports whether the job reached a state after which no further
// transitions occur.
func (s JobStatus) IsTerminal() bool {
	if s.IsCompleted {
		return true
	}
	switch s.normalized() {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PollingState is the scheduler's per-job bookkeeping.
type PollingState struct {
	JobID           string
	CurrentInterval time.Duration
	RetryCount      int
	LastPollAt      time.Time
	IsActive        bool
	LastError       string
}

// EventKind classifies a processed poll.
type EventKind string

// Event kinds emitted to a Listener.
const (
	EventProgress  EventKind = "progress"
	EventRetrying  EventKind = "retrying"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventAbandoned EventKind = "abandoned"
)

// IsFinal reports whether no further events follow for the job.
func (k EventKind) IsFinal() bool {
	switch k {
	case EventCompleted, EventFailed, EventCancelled, EventAbandoned:
		return true
	default:
		return false
	}
}

// Event is emitted after every processed poll.
type Event struct {
	Kind   EventKind
	JobID  string
	Status JobStatus
	State  PollingState
	Err    error
}

// Listener consumes scheduler events. It is called without any scheduler
// lock held; events for one job arrive in issuance order.
type Listener func(Event)

// JobError describes a job that finished in the failed or cancelled state.
type JobError struct {
	JobID   string
	Status  string
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s %s", e.JobID, e.Status)
	}
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.Status, e.Message)
}

// Unwrap lets callers match ErrJobFailed or ErrJobCancelled.
func (e *JobError) Unwrap() error {
	if e.Status == StatusCancelled {
		return ErrJobCancelled
	}
	return ErrJobFailed
}

// JobSnapshot is a read-only view of one job in a Status.
type JobSnapshot struct {
	PollingState

	// InFlight is true while a status fetch is outstanding.
	InFlight bool

	// NextPollAt estimates the next fetch. Zero while paused or in flight.
	NextPollAt time.Time
}

// Status is the snapshot returned by GetPollingStatus.
type Status struct {
	Paused     bool
	PauseDepth int
	Jobs       []JobSnapshot
}

// ActiveJobIDs returns the ids of all tracked jobs.
func (s Status) ActiveJobIDs() []string {
	ids := make([]string, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		ids = append(ids, j.JobID)
	}
	return ids
}

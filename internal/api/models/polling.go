package models

import (
	"slices"
	"time"

	"github.com/jobwatch/jobwatch/internal/polling"
)

// maxBatchSize bounds POST /v1/polling/jobs.
const maxBatchSize = 500

// StartJobRequest is the body of PUT /v1/polling/jobs/{jobId}.
type StartJobRequest struct {
	// IntervalMs is the initial poll interval. Zero means the policy minimum.
	IntervalMs int64 `json:"intervalMs"`
}

// Validate validates the request.
func (r *StartJobRequest) Validate() []FieldError {
	if r.IntervalMs < 0 {
		return []FieldError{{Field: "intervalMs", Message: "must not be negative", Code: "OUT_OF_RANGE"}}
	}
	return nil
}

// Interval returns the requested interval.
func (r *StartJobRequest) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// BatchStartRequest is the body of POST /v1/polling/jobs.
type BatchStartRequest struct {
	JobIDs     []string `json:"jobIds"`
	IntervalMs int64    `json:"intervalMs"`
}

// Validate validates the request.
func (r *BatchStartRequest) Validate() []FieldError {
	var errs []FieldError

	switch {
	case len(r.JobIDs) == 0:
		errs = append(errs, FieldError{Field: "jobIds", Message: "at least one job id is required", Code: "REQUIRED"})
	case len(r.JobIDs) > maxBatchSize:
		errs = append(errs, FieldError{Field: "jobIds", Message: "at most 500 job ids per request", Code: "TOO_MANY"})
	case slices.Contains(r.JobIDs, ""):
		errs = append(errs, FieldError{Field: "jobIds", Message: "job ids must not be empty", Code: "REQUIRED"})
	}
	if r.IntervalMs < 0 {
		errs = append(errs, FieldError{Field: "intervalMs", Message: "must not be negative", Code: "OUT_OF_RANGE"})
	}

	return errs
}

// Interval returns the requested interval.
func (r *BatchStartRequest) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// SignalRequest is the body of PUT /v1/polling/signals/{signal}.
type SignalRequest struct {
	// Value is true for foreground or online.
	Value *bool `json:"value"`
}

// Validate validates the request.
func (r *SignalRequest) Validate() []FieldError {
	if r.Value == nil {
		return []FieldError{{Field: "value", Message: "value is required", Code: "REQUIRED"}}
	}
	return nil
}

// JobState is the API view of one polled job.
type JobState struct {
	JobID             string     `json:"jobId"`
	CurrentIntervalMs int64      `json:"currentIntervalMs"`
	RetryCount        int        `json:"retryCount"`
	LastPollAt        *Timestamp `json:"lastPollAt,omitempty"`
	NextPollAt        *Timestamp `json:"nextPollAt,omitempty"`
	InFlight          bool       `json:"inFlight"`
	LastError         string     `json:"lastError,omitempty"`
}

// PollingStatus is the response of GET /v1/polling.
type PollingStatus struct {
	Paused         bool            `json:"paused"`
	PauseDepth     int             `json:"pauseDepth"`
	ShouldSchedule bool            `json:"shouldSchedule"`
	Signals        map[string]bool `json:"signals"`
	Jobs           []JobState      `json:"jobs"`
}

// NewJobState converts a scheduler snapshot entry.
func NewJobState(j polling.JobSnapshot) JobState {
	return JobState{
		JobID:             j.JobID,
		CurrentIntervalMs: Millis(j.CurrentInterval),
		RetryCount:        j.RetryCount,
		LastPollAt:        TimestampPtr(j.LastPollAt),
		NextPollAt:        TimestampPtr(j.NextPollAt),
		InFlight:          j.InFlight,
		LastError:         j.LastError,
	}
}

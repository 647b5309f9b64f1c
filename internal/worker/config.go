// Package worker provides background job processing for jobwatch: the
// Pub/Sub intake of job lifecycle events and the periodic provider probe.
package worker

import (
	"time"
)

// Message types accepted on the jobs subscription.
const (
	MessageJobSubmitted        = "job_submitted"
	MessageJobCancelled        = "job_cancelled"
	MessageProviderHealthCheck = "provider_health_check"
)

// Message is the JSON payload of a job lifecycle message.
type Message struct {
	// Type is one of the Message* constants.
	Type string `json:"type"`

	// JobID names a single job. JobIDs may be used instead for batches.
	JobID  string   `json:"job_id,omitempty"`
	JobIDs []string `json:"job_ids,omitempty"`

	// IntervalMs is the initial poll interval for submitted jobs.
	// Zero means the scheduler minimum.
	IntervalMs int64 `json:"interval_ms,omitempty"`
}

// JobIDList returns every job id carried by the message, JobID first.
func (m Message) JobIDList() []string {
	ids := make([]string, 0, len(m.JobIDs)+1)
	if m.JobID != "" {
		ids = append(ids, m.JobID)
	}
	for _, id := range m.JobIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Interval returns the requested initial interval.
func (m Message) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// ProbeConfig holds configuration for the provider probe job.
type ProbeConfig struct {
	// Timeout bounds one probe of all providers.
	// Default: 30 seconds
	Timeout time.Duration

	// Interval is the period of RunEvery. Zero disables periodic probing.
	// Default: 0
	Interval time.Duration
}

// DefaultProbeConfig returns the default probe configuration.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Timeout: 30 * time.Second,
	}
}

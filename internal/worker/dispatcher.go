package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dispatch errors. Messages failing with ErrMalformedMessage or
// ErrUnsupportedMessage are acknowledged since redelivery cannot fix them.
var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnsupportedMessage = errors.New("unsupported message")
)

// JobController starts and stops job polling.
type JobController interface {
	StartBatchPolling(jobIDs []string, initialInterval time.Duration)
	StopJobPolling(jobID string)
}

// Dispatcher routes decoded messages to the scheduler and the probe job.
type Dispatcher struct {
	jobs   JobController
	probe  *ProbeJob
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher. probe may be nil, in which case
// health check requests are rejected as unsupported.
func NewDispatcher(jobs JobController, probe *ProbeJob, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:   jobs,
		probe:  probe,
		logger: logger,
	}
}

// Dispatch decodes data and applies it. Unknown message types are ignored
// without error.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case MessageJobSubmitted:
		ids := msg.JobIDList()
		if len(ids) == 0 {
			return fmt.Errorf("%w: %s without job id", ErrMalformedMessage, msg.Type)
		}
		if msg.IntervalMs < 0 {
			return fmt.Errorf("%w: negative interval", ErrMalformedMessage)
		}
		d.jobs.StartBatchPolling(ids, msg.Interval())
		d.logger.Info().Strs("job_ids", ids).Msg("polling started from message")

	case MessageJobCancelled:
		ids := msg.JobIDList()
		if len(ids) == 0 {
			return fmt.Errorf("%w: %s without job id", ErrMalformedMessage, msg.Type)
		}
		for _, id := range ids {
			d.jobs.StopJobPolling(id)
		}
		d.logger.Info().Strs("job_ids", ids).Msg("polling stopped from message")

	case MessageProviderHealthCheck:
		if d.probe == nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedMessage, msg.Type)
		}
		d.probe.Run(ctx)
		// a cancelled run produced partial results; let it be redelivered
		if err := ctx.Err(); err != nil {
			return err
		}

	default:
		d.logger.Warn().Str("type", msg.Type).Msg("ignoring unknown message type")
	}

	return nil
}

// Retryable reports whether a dispatch error should lead to redelivery.
func Retryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrMalformedMessage) &&
		!errors.Is(err, ErrUnsupportedMessage)
}

// Package jobstore mirrors poll scheduler state to storage so polling can
// resume after a process restart. Only scheduling state is stored;
// credentials never reach this package.
package jobstore

import (
	"context"
	"errors"

	"github.com/jobwatch/jobwatch/internal/polling"
)

// ErrStateNotFound is returned when deleting an unknown job.
var ErrStateNotFound = errors.New("polling state not found")

// Repository defines the interface for polling state persistence.
type Repository interface {
	// SaveStates replaces the stored set with states. Jobs missing from
	// states are removed.
	SaveStates(ctx context.Context, states []polling.PollingState) error

	// LoadStates returns every stored state ordered by job id.
	LoadStates(ctx context.Context) ([]polling.PollingState, error)

	// DeleteState removes the state of a single job.
	DeleteState(ctx context.Context, jobID string) error
}

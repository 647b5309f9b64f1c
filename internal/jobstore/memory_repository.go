package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/jobwatch/jobwatch/internal/polling"
)

// InMemoryRepository is an in-memory implementation of Repository.
// It is used when no database is configured and in tests.
type InMemoryRepository struct {
	mu     sync.RWMutex
	states map[string]polling.PollingState
}

// NewInMemoryRepository creates a new in-memory polling state repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		states: make(map[string]polling.PollingState),
	}
}

// SaveStates replaces the stored set with states.
func (r *InMemoryRepository) SaveStates(_ context.Context, states []polling.PollingState) error {
	next := make(map[string]polling.PollingState, len(states))
	for _, s := range states {
		next[s.JobID] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = next
	return nil
}

// LoadStates returns every stored state ordered by job id.
func (r *InMemoryRepository) LoadStates(_ context.Context) ([]polling.PollingState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]polling.PollingState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// DeleteState removes the state of a single job.
func (r *InMemoryRepository) DeleteState(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[jobID]; !ok {
		return ErrStateNotFound
	}
	delete(r.states, jobID)
	return nil
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)

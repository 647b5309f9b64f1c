package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/polling"
)

// Snapshotter is the read side of the poll scheduler.
type Snapshotter interface {
	Snapshot() []polling.PollingState
}

// Starter is the write side of the poll scheduler used by Restore.
type Starter interface {
	ResumeJobPolling(state polling.PollingState)
}

// PersisterConfig holds configuration for the Persister.
type PersisterConfig struct {
	// Source provides the scheduler snapshot (required).
	Source Snapshotter

	// Repository stores the snapshot (required).
	Repository Repository

	// Interval between flushes.
	// Default: 30 seconds
	Interval time.Duration

	// FlushTimeout bounds a single flush, including the final one, and a
	// single Forget.
	// Default: 5 seconds
	FlushTimeout time.Duration

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Persister periodically mirrors the scheduler snapshot to a Repository.
type Persister struct {
	source       Snapshotter
	repo         Repository
	interval     time.Duration
	flushTimeout time.Duration
	clock        clockwork.Clock
	logger       zerolog.Logger

	// mu serializes flushes with Forget so a snapshot taken before a job
	// finished cannot be written after its state was deleted.
	mu sync.Mutex
}

// NewPersister creates a new Persister.
func NewPersister(cfg PersisterConfig) *Persister {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	flushTimeout := cfg.FlushTimeout
	if flushTimeout == 0 {
		flushTimeout = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Persister{
		source:       cfg.Source,
		repo:         cfg.Repository,
		interval:     interval,
		flushTimeout: flushTimeout,
		clock:        clock,
		logger:       cfg.Logger,
	}
}

// Flush writes the current snapshot once.
func (p *Persister) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	states := p.source.Snapshot()
	if err := p.repo.SaveStates(ctx, states); err != nil {
		return fmt.Errorf("save polling states: %w", err)
	}

	p.logger.Debug().Int("jobs", len(states)).Msg("polling states persisted")
	return nil
}

// Forget deletes the stored state of a job that left the scheduler. It waits
// for a flush in progress, so the deletion always lands after it. Unknown ids
// are ignored.
func (p *Persister) Forget(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.repo.DeleteState(ctx, jobID); err != nil && !errors.Is(err, ErrStateNotFound) {
		return fmt.Errorf("delete polling state: %w", err)
	}
	return nil
}

// Run flushes on every tick until ctx is done, then flushes once more.
// Run must return before the scheduler is closed, otherwise the final
// flush records an empty set.
func (p *Persister) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Flush(context.WithoutCancel(ctx)); err != nil {
				p.logger.Error().Err(err).Msg("final polling state flush failed")
			}
			return
		case <-ticker.Chan():
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("polling state flush failed")
			}
		}
	}
}

// Restore restarts polling for every stored job, resuming from its stored
// interval and retry count. It returns the number of jobs restarted.
func Restore(ctx context.Context, repo Repository, starter Starter, logger zerolog.Logger) (int, error) {
	states, err := repo.LoadStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load polling states: %w", err)
	}

	for _, s := range states {
		starter.ResumeJobPolling(s)
	}

	if len(states) > 0 {
		logger.Info().Int("jobs", len(states)).Msg("polling restored from storage")
	}
	return len(states), nil
}

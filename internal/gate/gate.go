// Package gate pauses and resumes polling based on app visibility and
// network reachability.
//
// The gate holds at most one pause per signal on the scheduler. When a
// signal recovers the gate first resets intervals so polling catches up
// quickly, then releases its pause. Polling runs only while every pause is
// released.
package gate

import (
	"sync"

	"github.com/rs/zerolog"
)

// Pauser is the part of the poll scheduler the gate drives.
type Pauser interface {
	PauseAll()
	ResumeAll()
	ResetIntervals()
}

// Signal names a gate input.
type Signal string

const (
	SignalVisibility Signal = "visibility"
	SignalNetwork    Signal = "network"
)

// Config holds configuration for the Gate.
type Config struct {
	// Pauser is the scheduler to drive (required).
	Pauser Pauser

	// Visibility reports whether the app is in the foreground. Nil means
	// always visible.
	Visibility SignalSource

	// Network reports whether the network is online. Nil means always
	// online.
	Network SignalSource

	Logger zerolog.Logger
}

// Gate folds visibility and network signals into pause/resume calls.
type Gate struct {
	pauser     Pauser
	visibility SignalSource
	network    SignalSource
	logger     zerolog.Logger

	mu      sync.Mutex
	started bool
	values  map[Signal]bool
	held    map[Signal]bool
	unsubs  []func()
}

// New creates a new Gate. Call Start to subscribe to its signals.
func New(cfg Config) *Gate {
	return &Gate{
		pauser:     cfg.Pauser,
		visibility: cfg.Visibility,
		network:    cfg.Network,
		logger:     cfg.Logger,
		values: map[Signal]bool{
			SignalVisibility: true,
			SignalNetwork:    true,
		},
		held: make(map[Signal]bool),
	}
}

// Start subscribes to the configured signals. The current value of each
// signal is applied immediately. Calling Start twice is a no-op.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	var unsubs []func()
	if g.visibility != nil {
		unsubs = append(unsubs, g.visibility.Subscribe(func(v bool) { g.apply(SignalVisibility, v) }))
	}
	if g.network != nil {
		unsubs = append(unsubs, g.network.Subscribe(func(v bool) { g.apply(SignalNetwork, v) }))
	}

	g.mu.Lock()
	g.unsubs = unsubs
	g.mu.Unlock()

	g.logger.Info().Msg("polling gate started")
}

// Stop unsubscribes from every signal and releases any pause the gate
// still holds.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for signal, held := range g.held {
		if held {
			g.held[signal] = false
			g.pauser.ResumeAll()
		}
	}
	g.values[SignalVisibility] = true
	g.values[SignalNetwork] = true

	g.logger.Info().Msg("polling gate stopped")
}

// ShouldSchedule reports whether polling should currently run.
func (g *Gate) ShouldSchedule() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.values[SignalVisibility] && g.values[SignalNetwork]
}

// Values returns the last known value of each signal.
func (g *Gate) Values() map[Signal]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[Signal]bool{
		SignalVisibility: g.values[SignalVisibility],
		SignalNetwork:    g.values[SignalNetwork],
	}
}

// apply runs under the gate lock so pause and resume calls reach the
// scheduler in signal order.
func (g *Gate) apply(signal Signal, value bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return
	}
	g.values[signal] = value

	switch {
	case !value && !g.held[signal]:
		g.held[signal] = true
		g.pauser.PauseAll()
		g.logger.Info().Str("signal", string(signal)).Msg("polling paused")
	case value && g.held[signal]:
		g.held[signal] = false
		g.pauser.ResetIntervals()
		g.pauser.ResumeAll()
		g.logger.Info().Str("signal", string(signal)).Msg("polling resumed")
	}
}

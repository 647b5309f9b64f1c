package polling

import (
	"fmt"
	"time"
)

// AnyProgress as ProgressThreshold shrinks the interval on every poll that
// reports progress above zero. A zero threshold takes the default instead.
const AnyProgress = -1.0

// Policy holds the adaptive interval tuning. All values are tuning
// constants rather than a contract; only the bounds are guaranteed.
type Policy struct {
	// MinInterval is the lower bound for a job's interval.
	// Default: 1 second
	MinInterval time.Duration

	// MaxInterval is the upper bound for a job's interval.
	// Default: 30 seconds
	MaxInterval time.Duration

	// Multiplier grows or shrinks the interval after each successful poll.
	// Failures apply Multiplier squared. Default: 1.5
	Multiplier float64

	// ProgressThreshold is the progress percentage above which a job is
	// considered fast-moving and its interval shrinks. Use AnyProgress for
	// a threshold of zero. Default: 50
	ProgressThreshold float64

	// MaxRetries is the number of consecutive fetch failures after which
	// polling is abandoned. Default: 5
	MaxRetries int
}

// DefaultPolicy returns the default polling policy.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval:       1 * time.Second,
		MaxInterval:       30 * time.Second,
		Multiplier:        1.5,
		ProgressThreshold: 50,
		MaxRetries:        5,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MinInterval == 0 {
		p.MinInterval = def.MinInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.ProgressThreshold == 0 {
		p.ProgressThreshold = def.ProgressThreshold
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.MinInterval <= 0:
		return fmt.Errorf("%w: min interval must be positive", ErrInvalidPolicy)
	case p.MaxInterval < p.MinInterval:
		return fmt.Errorf("%w: max interval %s below min interval %s", ErrInvalidPolicy, p.MaxInterval, p.MinInterval)
	case p.Multiplier <= 1:
		return fmt.Errorf("%w: multiplier must be greater than 1", ErrInvalidPolicy)
	case p.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidPolicy)
	case p.ProgressThreshold != AnyProgress && (p.ProgressThreshold < 0 || p.ProgressThreshold > 100):
		return fmt.Errorf("%w: progress threshold %v outside 0..100", ErrInvalidPolicy, p.ProgressThreshold)
	}
	return nil
}

// Clamp bounds d to [MinInterval, MaxInterval].
func (p Policy) Clamp(d time.Duration) time.Duration {
	if d < p.MinInterval {
		return p.MinInterval
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// AfterSuccess returns the interval following a successful, non-terminal poll.
// Fast-moving jobs are polled more often, slow ones less.
func (p Policy) AfterSuccess(current time.Duration, progress float64) time.Duration {
	if progress > p.threshold() {
		return p.Clamp(time.Duration(float64(current) / p.Multiplier))
	}
	return p.Clamp(scale(current, p.Multiplier))
}

func (p Policy) threshold() float64 {
	if p.ProgressThreshold == AnyProgress {
		return 0
	}
	return p.ProgressThreshold
}

// AfterFailure returns the interval following a failed fetch.
func (p Policy) AfterFailure(current time.Duration) time.Duration {
	return p.Clamp(scale(current, p.Multiplier*p.Multiplier))
}

func scale(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	// saturate rather than overflow for very large intervals
	if scaled >= float64(1<<63-1) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(scaled)
}

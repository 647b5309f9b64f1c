package gate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SignalSource publishes a boolean condition such as "app visible" or
// "network online".
type SignalSource interface {
	// Subscribe registers fn and immediately calls it with the current
	// value. fn is then called on every change. The returned function
	// removes the subscription.
	Subscribe(fn func(bool)) (unsubscribe func())
}

// Switch is a manually driven SignalSource.
type Switch struct {
	mu     sync.Mutex
	value  bool
	nextID int
	subs   map[int]func(bool)
}

// NewSwitch creates a Switch holding initial.
func NewSwitch(initial bool) *Switch {
	return &Switch{
		value: initial,
		subs:  make(map[int]func(bool)),
	}
}

// Set changes the value and notifies subscribers. Setting the current value
// again is a no-op.
func (s *Switch) Set(value bool) {
	s.mu.Lock()
	if s.value == value {
		s.mu.Unlock()
		return
	}
	s.value = value
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
}

// Value returns the current value.
func (s *Switch) Value() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe implements SignalSource.
func (s *Switch) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	value := s.value
	s.mu.Unlock()

	fn(value)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// CheckFunc reports whether a condition currently holds.
type CheckFunc func(ctx context.Context) bool

// ProbeConfig holds configuration for a ProbeSource.
type ProbeConfig struct {
	// Check is evaluated on every tick (required).
	Check CheckFunc

	// Interval between checks.
	// Default: 15 seconds
	Interval time.Duration

	// Timeout bounds a single check.
	// Default: 5 seconds
	Timeout time.Duration

	// Initial is the value reported before the first check.
	// Default: false
	Initial bool

	// Clock drives the ticker. Default: real clock.
	Clock clockwork.Clock

	Logger zerolog.Logger
}

// ProbeSource is a SignalSource driven by a periodic check, typically
// network reachability.
type ProbeSource struct {
	*Switch

	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewProbeSource creates a ProbeSource. Call Run to start checking.
func NewProbeSource(cfg ProbeConfig) *ProbeSource {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ProbeSource{
		Switch:   NewSwitch(cfg.Initial),
		check:    cfg.Check,
		interval: interval,
		timeout:  timeout,
		clock:    clock,
		logger:   cfg.Logger,
	}
}

// Run checks once immediately and then on every tick until ctx is done.
func (p *ProbeSource) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.probe(ctx)
		}
	}
}

func (p *ProbeSource) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ok := p.check(ctx)
	if ok != p.Value() {
		p.logger.Info().Bool("value", ok).Msg("probe signal changed")
	}
	p.Set(ok)
}

// HTTPReachability returns a CheckFunc that succeeds when a HEAD request to
// url gets any HTTP response.
func HTTPReachability(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

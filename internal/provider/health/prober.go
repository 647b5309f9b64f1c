package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jobwatch/jobwatch/internal/vault"
)

const instrumentationName = "github.com/jobwatch/jobwatch/internal/provider/health"

// Config holds configuration for the Prober.
type Config struct {
	// Providers are the provider ids probed by TestAll.
	Providers []string

	// Credentials supplies the credential used for each probe (required).
	Credentials CredentialSource

	// Tester performs the connectivity check (required).
	Tester ConnectivityTester

	// Clock measures probe duration. Default: real clock.
	Clock clockwork.Clock

	// Logger for probe operations.
	Logger zerolog.Logger

	// SlowThreshold marks successful probes slower than this as degraded.
	// Default: 5 seconds
	SlowThreshold time.Duration

	// Concurrency bounds the number of probes TestAll runs at once.
	// Default: 4
	Concurrency int
}

// Prober tracks provider health and runs connectivity probes.
type Prober struct {
	providers     []string
	creds         CredentialSource
	tester        ConnectivityTester
	clock         clockwork.Clock
	logger        zerolog.Logger
	slowThreshold time.Duration
	concurrency   int

	probeTotal    metric.Int64Counter
	probeDuration metric.Float64Histogram
	tracer        trace.Tracer

	mu     sync.RWMutex
	health map[string]ProviderHealth
	// generation is bumped on Invalidate so probes started against an older
	// credential do not overwrite the reset.
	generation map[string]uint64
}

// NewProber creates a new Prober.
func NewProber(cfg Config) (*Prober, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("health: credential source is required")
	}
	if cfg.Tester == nil {
		return nil, fmt.Errorf("health: connectivity tester is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	slowThreshold := cfg.SlowThreshold
	if slowThreshold == 0 {
		slowThreshold = 5 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	meter := otel.Meter(instrumentationName)
	probeTotal, err := meter.Int64Counter(
		"jobwatch.provider.probe.total",
		metric.WithDescription("Total number of provider connectivity probes, by resulting status"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, err
	}
	probeDuration, err := meter.Float64Histogram(
		"jobwatch.provider.probe.duration",
		metric.WithDescription("Duration of provider connectivity probes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	p := &Prober{
		providers:     append([]string(nil), cfg.Providers...),
		creds:         cfg.Credentials,
		tester:        cfg.Tester,
		clock:         clock,
		logger:        cfg.Logger,
		slowThreshold: slowThreshold,
		concurrency:   concurrency,
		probeTotal:    probeTotal,
		probeDuration: probeDuration,
		tracer:        otel.Tracer(instrumentationName),
		health:        make(map[string]ProviderHealth),
		generation:    make(map[string]uint64),
	}
	return p, nil
}

// Providers returns the configured provider ids.
func (p *Prober) Providers() []string {
	return append([]string(nil), p.providers...)
}

// Test probes a single provider and returns the resulting health. Failures
// of the connectivity check are captured in the result, never returned.
func (p *Prober) Test(ctx context.Context, providerID string) ProviderHealth {
	ctx, span := p.tracer.Start(ctx, "provider.probe",
		trace.WithAttributes(attribute.String("provider.id", providerID)),
	)
	defer span.End()

	// read first: evicting an expired credential invalidates the cached
	// health, which must not discard this probe
	cred, ok := p.creds.Get(providerID)
	if !ok && !p.requiresCredential(providerID) {
		cred, ok = vault.Credential{ProviderID: providerID}, true
	}

	gen := p.markTesting(providerID)

	start := p.clock.Now()
	result := ProviderHealth{ProviderID: providerID}

	if !ok {
		result.Status = StatusUnavailable
		result.ErrorMessage = ErrCredentialMissing.Error()
	} else {
		res, err := p.runTester(ctx, providerID, cred)
		elapsed := p.clock.Since(start)
		if res.Latency > 0 {
			elapsed = res.Latency
		}
		result.ResponseTime = elapsed

		switch {
		case err != nil:
			result.Status = StatusUnavailable
			result.ErrorMessage = err.Error()
		case !res.Success:
			result.Status = StatusDegraded
			result.ErrorMessage = res.Message
			if result.ErrorMessage == "" {
				result.ErrorMessage = "connectivity check reported failure"
			}
		case elapsed > p.slowThreshold:
			result.Status = StatusDegraded
			result.ErrorMessage = fmt.Sprintf("slow response: %s", elapsed.Round(time.Millisecond))
		default:
			result.Status = StatusHealthy
		}
	}
	result.LastCheckedAt = p.clock.Now()

	span.SetAttributes(attribute.String("provider.status", string(result.Status)))
	attrs := metric.WithAttributes(
		attribute.String("provider", providerID),
		attribute.String("status", string(result.Status)),
	)
	p.probeTotal.Add(ctx, 1, attrs)
	p.probeDuration.Record(ctx, p.clock.Since(start).Seconds(), attrs)

	p.logger.Info().
		Str("provider", providerID).
		Str("status", string(result.Status)).
		Dur("response_time", result.ResponseTime).
		Str("error", result.ErrorMessage).
		Msg("provider probe completed")

	p.store(providerID, gen, result)
	return result
}

// TestAll probes every configured provider concurrently. It returns one
// result per provider, in configuration order, regardless of individual
// failures.
func (p *Prober) TestAll(ctx context.Context) []ProviderHealth {
	results := make([]ProviderHealth, len(p.providers))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, id := range p.providers {
		g.Go(func() error {
			results[i] = p.Test(ctx, id)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // probes never return errors

	return results
}

// GetHealth returns the last known health of providerID. Providers that
// were never probed report StatusUnknown.
func (p *Prober) GetHealth(providerID string) ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if h, ok := p.health[providerID]; ok {
		return h
	}
	return ProviderHealth{ProviderID: providerID, Status: StatusUnknown}
}

// AllHealth returns the health of every configured provider.
func (p *Prober) AllHealth() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(p.providers))
	for _, id := range p.providers {
		out = append(out, p.GetHealth(id))
	}
	return out
}

// Invalidate forgets the cached health of providerID, forcing a re-probe.
// It is registered as a vault change listener.
func (p *Prober) Invalidate(providerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.health, providerID)
	p.generation[providerID]++
}

func (p *Prober) requiresCredential(providerID string) bool {
	if r, ok := p.tester.(CredentialRequirer); ok {
		return r.RequiresCredential(providerID)
	}
	return true
}

func (p *Prober) markTesting(providerID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[providerID]
	if !ok {
		h = ProviderHealth{ProviderID: providerID}
	}
	h.Status = StatusTesting
	p.health[providerID] = h
	return p.generation[providerID]
}

func (p *Prober) store(providerID string, gen uint64, h ProviderHealth) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generation[providerID] != gen {
		return
	}
	p.health[providerID] = h
}

// runTester calls the tester, converting a panic into an error.
func (p *Prober) runTester(ctx context.Context, providerID string, cred vault.Credential) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("provider", providerID).
				Interface("panic", r).
				Msg("connectivity tester panic")
			err = fmt.Errorf("connectivity tester panic: %v", r)
		}
	}()
	return p.tester.TestConnection(ctx, providerID, cred)
}

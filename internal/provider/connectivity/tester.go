// Package connectivity checks LLM provider credentials against each
// provider's model-list endpoint.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/provider/health"
	"github.com/jobwatch/jobwatch/internal/provider/resilience"
	"github.com/jobwatch/jobwatch/internal/vault"
)

// ErrUnsupportedProvider is returned for provider ids without an endpoint.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Supported provider ids.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

const anthropicVersion = "2023-06-01"

// Endpoint describes how to reach a provider's model-list endpoint.
type Endpoint struct {
	// BaseURL is the scheme and host, without a trailing slash.
	BaseURL string

	// Path is the model-list path.
	Path string

	// Authorize sets the credential headers on req. Nil means the endpoint
	// needs no credential.
	Authorize func(req *http.Request, secret string)
}

func bearer(req *http.Request, secret string) {
	req.Header.Set("Authorization", "Bearer "+secret)
}

// DefaultEndpoints returns the public endpoints of every supported provider.
func DefaultEndpoints() map[string]Endpoint {
	return map[string]Endpoint{
		ProviderOpenAI: {
			BaseURL:   "https://api.openai.com",
			Path:      "/v1/models",
			Authorize: bearer,
		},
		ProviderAnthropic: {
			BaseURL: "https://api.anthropic.com",
			Path:    "/v1/models",
			Authorize: func(req *http.Request, secret string) {
				req.Header.Set("x-api-key", secret)
				req.Header.Set("anthropic-version", anthropicVersion)
			},
		},
		ProviderOpenRouter: {
			BaseURL:   "https://openrouter.ai",
			Path:      "/api/v1/key",
			Authorize: bearer,
		},
		ProviderOllama: {
			BaseURL: "http://localhost:11434",
			Path:    "/api/tags",
		},
	}
}

// Config holds configuration for the HTTPTester.
type Config struct {
	// BaseURLs overrides the base URL per provider id, e.g. a self-hosted
	// Ollama instance.
	BaseURLs map[string]string

	// Timeout bounds a single check.
	// Default: 10 seconds
	Timeout time.Duration

	// Registry, if set, receives the per-provider clients so their breaker
	// state shows up in readiness checks.
	Registry *resilience.Registry

	// Clock measures latency. Default: real clock.
	Clock clockwork.Clock

	// Transport overrides the HTTP transport. Default: http.DefaultTransport
	Transport http.RoundTripper

	Logger zerolog.Logger
}

// HTTPTester implements health.ConnectivityTester over HTTP.
type HTTPTester struct {
	endpoints map[string]Endpoint
	clients   map[string]*resilience.Client
	clock     clockwork.Clock
	logger    zerolog.Logger
}

var (
	_ health.ConnectivityTester = (*HTTPTester)(nil)
	_ health.CredentialRequirer = (*HTTPTester)(nil)
)

// NewHTTPTester creates a tester with one resilient client per provider.
func NewHTTPTester(cfg Config) *HTTPTester {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	endpoints := DefaultEndpoints()
	for id, base := range cfg.BaseURLs {
		if ep, ok := endpoints[id]; ok && base != "" {
			ep.BaseURL = strings.TrimRight(base, "/")
			endpoints[id] = ep
		}
	}

	clients := make(map[string]*resilience.Client, len(endpoints))
	for id := range endpoints {
		clientCfg := resilience.DefaultClientConfig("provider-" + id)
		clientCfg.Timeout = timeout
		clientCfg.MaxRetries = 2
		clientCfg.Transport = cfg.Transport
		clientCfg.Logger = cfg.Logger
		client := resilience.NewClient(clientCfg)
		clients[id] = client
		if cfg.Registry != nil {
			cfg.Registry.Register(client)
		}
	}

	return &HTTPTester{
		endpoints: endpoints,
		clients:   clients,
		clock:     clock,
		logger:    cfg.Logger,
	}
}

// Supports reports whether providerID has a known endpoint.
func (t *HTTPTester) Supports(providerID string) bool {
	_, ok := t.endpoints[providerID]
	return ok
}

// RequiresCredential reports whether checking providerID needs a stored
// credential. Unknown providers do.
func (t *HTTPTester) RequiresCredential(providerID string) bool {
	ep, ok := t.endpoints[providerID]
	return !ok || ep.Authorize != nil
}

// TestConnection calls the provider's model-list endpoint with cred.
// A 2xx response is a success. 401 and 403 report an unsuccessful result
// with "credential rejected". Everything else is an error.
func (t *HTTPTester) TestConnection(ctx context.Context, providerID string, cred vault.Credential) (health.Result, error) {
	ep, ok := t.endpoints[providerID]
	if !ok {
		return health.Result{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, providerID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+ep.Path, http.NoBody)
	if err != nil {
		return health.Result{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ep.Authorize != nil {
		ep.Authorize(req, cred.Secret.Reveal())
	}

	start := t.clock.Now()
	resp, err := t.clients[providerID].Do(req)
	latency := t.clock.Since(start)
	if err != nil {
		return health.Result{Latency: latency}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck // drain for connection reuse

	t.logger.Debug().
		Str("provider", providerID).
		Int("status_code", resp.StatusCode).
		Dur("latency", latency).
		Msg("connectivity check response")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return health.Result{Success: true, Latency: latency}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return health.Result{Success: false, Latency: latency, Message: "credential rejected"}, nil
	case resp.StatusCode >= 500:
		return health.Result{Latency: latency}, &resilience.ServerError{StatusCode: resp.StatusCode}
	default:
		return health.Result{Latency: latency}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, providerID)
	}
}

// Package health provides on-demand connectivity probing for LLM providers.
//
// The Prober keeps the last known ProviderHealth per provider. Health is
// never persisted and is reset to unknown whenever the provider's
// credential changes in the vault.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/jobwatch/jobwatch/internal/vault"
)

// ErrCredentialMissing is reported when no valid credential exists for a
// provider at probe time.
var ErrCredentialMissing = errors.New("credential missing or expired")

// Status is the health state of a provider.
type Status string

// Provider health states. StatusTesting is transient and always resolves
// within one probe.
const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
	StatusTesting     Status = "testing"
	StatusUnknown     Status = "unknown"
)

// ProviderHealth represents the health status of a provider.
type ProviderHealth struct {
	// ProviderID is the provider identifier.
	ProviderID string

	// Status is the current health state.
	Status Status

	// LastCheckedAt is when the last probe finished. Zero if never probed.
	LastCheckedAt time.Time

	// ResponseTime is the measured duration of the last probe, if any.
	ResponseTime time.Duration

	// ErrorMessage explains a degraded or unavailable status.
	ErrorMessage string
}

// IsHealthy returns true if the provider is considered healthy.
func (h ProviderHealth) IsHealthy() bool {
	return h.Status == StatusHealthy
}

// Result is the outcome reported by a ConnectivityTester.
type Result struct {
	// Success is true if the provider accepted the credential.
	Success bool

	// Latency is the tester's own latency measurement, if it has one.
	Latency time.Duration

	// Message carries provider detail, e.g. why a credential was rejected.
	Message string
}

// ConnectivityTester checks whether a provider is reachable with a credential.
type ConnectivityTester interface {
	TestConnection(ctx context.Context, providerID string, cred vault.Credential) (Result, error)
}

// TesterFunc adapts a function to the ConnectivityTester interface.
type TesterFunc func(ctx context.Context, providerID string, cred vault.Credential) (Result, error)

// TestConnection calls f(ctx, providerID, cred).
func (f TesterFunc) TestConnection(ctx context.Context, providerID string, cred vault.Credential) (Result, error) {
	return f(ctx, providerID, cred)
}

// CredentialRequirer is implemented by testers that can check some
// providers without a stored credential, e.g. a local Ollama.
type CredentialRequirer interface {
	RequiresCredential(providerID string) bool
}

// CredentialSource is the read side of the credential vault.
type CredentialSource interface {
	Get(providerID string) (vault.Credential, bool)
}

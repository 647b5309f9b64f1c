// Package vault provides the session-scoped store for short-lived provider
// credentials.
//
// Credentials live only in memory. Each one carries an absolute expiry; an
// expired credential is treated as absent even before the periodic sweep
// evicts it. Nothing in this package writes a secret to durable storage.
package vault

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Predefined vault errors.
var (
	ErrEmptyProviderID = errors.New("vault: provider id is required")
	ErrEmptySecret     = errors.New("vault: secret is required")
)

const redacted = "[REDACTED]"

// Secret is an opaque credential value. It redacts itself when formatted
// or marshaled; use Reveal to obtain the raw value.
type Secret string

// String implements fmt.Stringer.
func (Secret) String() string { return redacted }

// GoString implements fmt.GoStringer.
func (Secret) GoString() string { return redacted }

// MarshalJSON implements json.Marshaler.
func (Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// MarshalText implements encoding.TextMarshaler.
func (Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Reveal returns the raw secret value.
func (s Secret) Reveal() string { return string(s) }

// Credential is a provider secret with an absolute expiry.
type Credential struct {
	ProviderID string    `json:"providerId"`
	Secret     Secret    `json:"-"`
	Model      string    `json:"model,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Info returns the credential metadata without the secret.
func (c Credential) Info() CredentialInfo {
	return CredentialInfo{
		ProviderID: c.ProviderID,
		Model:      c.Model,
		ExpiresAt:  c.ExpiresAt,
	}
}

// CredentialInfo describes a stored credential without exposing it.
type CredentialInfo struct {
	ProviderID string    `json:"providerId"`
	Model      string    `json:"model,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Option customizes a credential on Set.
type Option func(*Credential)

// WithModel records the model the credential is meant for.
func WithModel(model string) Option {
	return func(c *Credential) { c.Model = model }
}

// Config holds configuration for the Vault.
type Config struct {
	// Clock drives expiry and the sweep. Default: real clock.
	Clock clockwork.Clock

	// Logger for vault operations. Secret values are never logged.
	Logger zerolog.Logger

	// DefaultTTL applies when Set is called with a non-positive ttl.
	// Default: 1 hour
	DefaultTTL time.Duration

	// SweepInterval is the period of the background eviction in Run.
	// Default: 60 seconds
	SweepInterval time.Duration
}

// Vault is a keyed, TTL-bound in-memory credential store.
type Vault struct {
	clock         clockwork.Clock
	logger        zerolog.Logger
	defaultTTL    time.Duration
	sweepInterval time.Duration

	mu        sync.RWMutex
	entries   map[string]Credential
	listeners []func(providerID string)
}

// New creates a new Vault.
func New(cfg Config) *Vault {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 1 * time.Hour
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}

	return &Vault{
		clock:         clock,
		logger:        cfg.Logger,
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		entries:       make(map[string]Credential),
	}
}

// OnChange registers fn to be called with the provider id whenever a
// credential is set, removed, expires or is cleared. Callbacks run outside
// the vault lock.
func (v *Vault) OnChange(fn func(providerID string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Set stores or overwrites the credential for providerID.
func (v *Vault) Set(providerID, secret string, ttl time.Duration, opts ...Option) error {
	if providerID == "" {
		return ErrEmptyProviderID
	}
	if secret == "" {
		return ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = v.defaultTTL
	}

	cred := Credential{
		ProviderID: providerID,
		Secret:     Secret(secret),
		ExpiresAt:  v.clock.Now().Add(ttl),
	}
	for _, opt := range opts {
		opt(&cred)
	}

	v.mu.Lock()
	v.entries[providerID] = cred
	listeners := v.listeners
	v.mu.Unlock()

	v.logger.Info().
		Str("provider", providerID).
		Str("model", cred.Model).
		Time("expires_at", cred.ExpiresAt).
		Msg("credential stored")

	notify(listeners, providerID)
	return nil
}

// Get returns the credential for providerID if it is still valid. Expired
// credentials are evicted and reported as absent.
func (v *Vault) Get(providerID string) (Credential, bool) {
	now := v.clock.Now()

	v.mu.RLock()
	cred, ok := v.entries[providerID]
	v.mu.RUnlock()

	if !ok {
		return Credential{}, false
	}
	if cred.Expired(now) {
		if v.evictIfExpired(providerID, now) {
			v.notify(providerID)
		}
		return Credential{}, false
	}
	return cred, true
}

// HasValid reports whether an unexpired credential exists for providerID.
func (v *Vault) HasValid(providerID string) bool {
	_, ok := v.Get(providerID)
	return ok
}

// Remove deletes the credential for providerID. Unknown ids are ignored.
func (v *Vault) Remove(providerID string) {
	v.mu.Lock()
	_, ok := v.entries[providerID]
	delete(v.entries, providerID)
	listeners := v.listeners
	v.mu.Unlock()

	if ok {
		v.logger.Info().Str("provider", providerID).Msg("credential removed")
		notify(listeners, providerID)
	}
}

// List returns metadata for every valid credential, sorted by provider id.
func (v *Vault) List() []CredentialInfo {
	now := v.clock.Now()

	v.mu.RLock()
	defer v.mu.RUnlock()

	infos := make([]CredentialInfo, 0, len(v.entries))
	for _, cred := range v.entries {
		if cred.Expired(now) {
			continue
		}
		infos = append(infos, cred.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ProviderID < infos[j].ProviderID
	})
	return infos
}

// Len returns the number of stored entries, including expired ones that
// have not been swept yet.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Sweep evicts every expired credential and returns how many were removed.
func (v *Vault) Sweep() int {
	now := v.clock.Now()

	v.mu.Lock()
	var evicted []string
	for id, cred := range v.entries {
		if cred.Expired(now) {
			delete(v.entries, id)
			evicted = append(evicted, id)
		}
	}
	listeners := v.listeners
	v.mu.Unlock()

	if len(evicted) > 0 {
		sort.Strings(evicted)
		v.logger.Debug().Strs("providers", evicted).Msg("expired credentials swept")
	}
	for _, id := range evicted {
		notify(listeners, id)
	}
	return len(evicted)
}

// Clear removes every credential. It is called when the session ends.
func (v *Vault) Clear() {
	v.mu.Lock()
	ids := make([]string, 0, len(v.entries))
	for id := range v.entries {
		ids = append(ids, id)
	}
	v.entries = make(map[string]Credential)
	listeners := v.listeners
	v.mu.Unlock()

	sort.Strings(ids)
	v.logger.Info().Int("count", len(ids)).Msg("credential vault cleared")
	for _, id := range ids {
		notify(listeners, id)
	}
}

// Run sweeps expired credentials every SweepInterval until ctx is done.
// The vault is cleared when Run returns.
func (v *Vault) Run(ctx context.Context) {
	ticker := v.clock.NewTicker(v.sweepInterval)
	defer ticker.Stop()
	defer v.Clear()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			v.Sweep()
		}
	}
}

func (v *Vault) evictIfExpired(providerID string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	// re-check: a concurrent Set may have replaced the entry
	if cred, ok := v.entries[providerID]; ok && cred.Expired(now) {
		delete(v.entries, providerID)
		return true
	}
	return false
}

func (v *Vault) notify(providerID string) {
	v.mu.RLock()
	listeners := v.listeners
	v.mu.RUnlock()
	notify(listeners, providerID)
}

func notify(listeners []func(string), providerID string) {
	for _, fn := range listeners {
		fn(providerID)
	}
}

package models

import (
	"time"

	"github.com/jobwatch/jobwatch/internal/provider/health"
	"github.com/jobwatch/jobwatch/internal/vault"
)

// maxCredentialTTL bounds how long a stored credential may live.
const maxCredentialTTL = 24 * time.Hour

// ProviderHealth is the API view of a provider's health.
type ProviderHealth struct {
	ProviderID     string     `json:"providerId"`
	Status         string     `json:"status"`
	LastCheckedAt  *Timestamp `json:"lastCheckedAt,omitempty"`
	ResponseTimeMs int64      `json:"responseTimeMs,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	HasCredential  bool       `json:"hasCredential"`
}

// NewProviderHealth converts a prober result.
func NewProviderHealth(h health.ProviderHealth, hasCredential bool) ProviderHealth {
	return ProviderHealth{
		ProviderID:     h.ProviderID,
		Status:         string(h.Status),
		LastCheckedAt:  TimestampPtr(h.LastCheckedAt),
		ResponseTimeMs: Millis(h.ResponseTime),
		ErrorMessage:   h.ErrorMessage,
		HasCredential:  hasCredential,
	}
}

// SetCredentialRequest is the body of PUT /v1/providers/{providerId}/credential.
type SetCredentialRequest struct {
	Secret     string `json:"secret"`
	Model      string `json:"model,omitempty"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

// Validate validates the request.
func (r *SetCredentialRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Secret == "" {
		errs = append(errs, FieldError{Field: "secret", Message: "secret is required", Code: "REQUIRED"})
	}
	if r.TTLSeconds < 0 || time.Duration(r.TTLSeconds)*time.Second > maxCredentialTTL {
		errs = append(errs, FieldError{Field: "ttlSeconds", Message: "must be between 0 and 86400", Code: "OUT_OF_RANGE"})
	}

	return errs
}

// TTL returns the requested lifetime. Zero means the vault default.
func (r *SetCredentialRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// Credential is the API view of a stored credential. It never includes the
// secret.
type Credential struct {
	ProviderID string    `json:"providerId"`
	Model      string    `json:"model,omitempty"`
	ExpiresAt  Timestamp `json:"expiresAt"`
}

// NewCredential converts vault metadata.
func NewCredential(info vault.CredentialInfo) Credential {
	return Credential{
		ProviderID: info.ProviderID,
		Model:      info.Model,
		ExpiresAt:  Timestamp(info.ExpiresAt),
	}
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/api/middleware"
	"github.com/jobwatch/jobwatch/internal/api/models"
	"github.com/jobwatch/jobwatch/internal/api/response"
	"github.com/jobwatch/jobwatch/internal/provider/health"
	"github.com/jobwatch/jobwatch/internal/vault"
)

// HealthProber runs and reports provider connectivity checks.
type HealthProber interface {
	Providers() []string
	Test(ctx context.Context, providerID string) health.ProviderHealth
	TestAll(ctx context.Context) []health.ProviderHealth
	GetHealth(providerID string) health.ProviderHealth
	AllHealth() []health.ProviderHealth
}

// CredentialStore holds provider credentials for the session.
type CredentialStore interface {
	Set(providerID, secret string, ttl time.Duration, opts ...vault.Option) error
	Get(providerID string) (vault.Credential, bool)
	HasValid(providerID string) bool
	Remove(providerID string)
}

// ProvidersHandler handles provider credential and health endpoints.
type ProvidersHandler struct {
	prober HealthProber
	vault  CredentialStore
	logger zerolog.Logger
}

// NewProvidersHandler creates a new ProvidersHandler.
func NewProvidersHandler(prober HealthProber, store CredentialStore, logger zerolog.Logger) *ProvidersHandler {
	return &ProvidersHandler{
		prober: prober,
		vault:  store,
		logger: logger,
	}
}

// ListHealth handles GET /v1/providers.
func (h *ProvidersHandler) ListHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.toModels(h.prober.AllHealth()))
}

// GetHealth handles GET /v1/providers/{providerId}.
func (h *ProvidersHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, h.toModel(h.prober.GetHealth(providerID)))
}

// SetCredential handles PUT /v1/providers/{providerId}/credential.
func (h *ProvidersHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	var req models.SetCredentialRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "validation failed", errs)
		return
	}

	var opts []vault.Option
	if req.Model != "" {
		opts = append(opts, vault.WithModel(req.Model))
	}
	if err := h.vault.Set(providerID, req.Secret, req.TTL(), opts...); err != nil {
		if errors.Is(err, vault.ErrEmptySecret) || errors.Is(err, vault.ErrEmptyProviderID) {
			response.BadRequest(w, r, err.Error(), nil)
			return
		}
		response.InternalError(w, r, "failed to store credential")
		return
	}

	h.logger.Info().
		Str("provider", providerID).
		Str("operator_id", middleware.GetOperatorID(r.Context())).
		Msg("credential set via api")

	cred, ok := h.vault.Get(providerID)
	if !ok {
		// removed between Set and Get
		response.Conflict(w, r, "credential was removed concurrently")
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewCredential(cred.Info()))
}

// DeleteCredential handles DELETE /v1/providers/{providerId}/credential.
func (h *ProvidersHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	h.vault.Remove(providerID)
	h.logger.Info().
		Str("provider", providerID).
		Str("operator_id", middleware.GetOperatorID(r.Context())).
		Msg("credential removed via api")

	response.NoContent(w, r)
}

// TestProvider handles POST /v1/providers/{providerId}/test.
func (h *ProvidersHandler) TestProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, h.toModel(h.prober.Test(r.Context(), providerID)))
}

// TestAll handles POST /v1/providers/test.
func (h *ProvidersHandler) TestAll(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.toModels(h.prober.TestAll(r.Context())))
}

func (h *ProvidersHandler) providerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	providerID := chi.URLParam(r, "providerId")
	if !slices.Contains(h.prober.Providers(), providerID) {
		response.NotFound(w, r, "unknown provider "+providerID)
		return "", false
	}
	return providerID, true
}

func (h *ProvidersHandler) toModel(ph health.ProviderHealth) models.ProviderHealth {
	return models.NewProviderHealth(ph, h.vault.HasValid(ph.ProviderID))
}

func (h *ProvidersHandler) toModels(list []health.ProviderHealth) []models.ProviderHealth {
	out := make([]models.ProviderHealth, 0, len(list))
	for _, ph := range list {
		out = append(out, h.toModel(ph))
	}
	return out
}

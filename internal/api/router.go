// Package api provides the operator HTTP API for jobwatch.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/api/handler"
	"github.com/jobwatch/jobwatch/internal/api/middleware"
	"github.com/jobwatch/jobwatch/internal/gate"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	// Tokens validates operator bearer tokens (required).
	Tokens middleware.TokenValidator

	Ops handler.OpsConfig

	Scheduler handler.PollingController
	Gate      handler.GateReader
	Signals   map[gate.Signal]handler.SignalSetter

	Prober      handler.HealthProber
	Credentials handler.CredentialStore
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "jobwatch"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Ops)
	pollingHandler := handler.NewPollingHandler(cfg.Scheduler, cfg.Gate, cfg.Signals, cfg.Logger)
	providersHandler := handler.NewProvidersHandler(cfg.Prober, cfg.Credentials, cfg.Logger)

	authMiddleware := middleware.Auth(cfg.Tokens)
	operatorRateLimit := middleware.RateLimitByOperator(middleware.StandardRateLimit)
	probeRateLimit := middleware.RateLimitByOperator(middleware.ProbeRateLimit)

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(middleware.StandardRateLimit))
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(operatorRateLimit)
			r.Use(middleware.RequireJSON)

			r.Route("/polling", func(r chi.Router) {
				r.Get("/", pollingHandler.GetStatus)
				r.Post("/jobs", pollingHandler.StartBatch)
				r.Put("/jobs/{jobId}", pollingHandler.StartJob)
				r.Delete("/jobs/{jobId}", pollingHandler.StopJob)
				r.Post("/pause", pollingHandler.Pause)
				r.Post("/resume", pollingHandler.Resume)
				r.Put("/signals/{signal}", pollingHandler.SetSignal)
			})

			r.Route("/providers", func(r chi.Router) {
				r.Get("/", providersHandler.ListHealth)
				r.With(probeRateLimit).Post("/test", providersHandler.TestAll)
				r.Route("/{providerId}", func(r chi.Router) {
					r.Get("/", providersHandler.GetHealth)
					r.Put("/credential", providersHandler.SetCredential)
					r.Delete("/credential", providersHandler.DeleteCredential)
					r.With(probeRateLimit).Post("/test", providersHandler.TestProvider)
				})
			})
		})
	})

	return r
}

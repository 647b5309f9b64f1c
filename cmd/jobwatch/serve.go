package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jobwatch/jobwatch/internal/api"
	"github.com/jobwatch/jobwatch/internal/api/handler"
	"github.com/jobwatch/jobwatch/internal/api/middleware"
	"github.com/jobwatch/jobwatch/internal/auth"
	"github.com/jobwatch/jobwatch/internal/config"
	"github.com/jobwatch/jobwatch/internal/database"
	"github.com/jobwatch/jobwatch/internal/decompiler"
	"github.com/jobwatch/jobwatch/internal/gate"
	"github.com/jobwatch/jobwatch/internal/jobstore"
	"github.com/jobwatch/jobwatch/internal/polling"
	"github.com/jobwatch/jobwatch/internal/provider/connectivity"
	"github.com/jobwatch/jobwatch/internal/provider/health"
	"github.com/jobwatch/jobwatch/internal/provider/resilience"
	"github.com/jobwatch/jobwatch/internal/telemetry"
	"github.com/jobwatch/jobwatch/internal/vault"
	"github.com/jobwatch/jobwatch/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poll scheduler and the operator API",
	Long: `Run the poll scheduler, credential vault, provider prober and the
operator HTTP API until interrupted. Jobs polled before a restart are
resumed when a database is configured.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv(Version)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	log.Info().
		Str("build_time", BuildTime).
		Str("environment", cfg.Environment).
		Msg("starting jobwatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()
	if tp.Enabled() {
		log.Info().Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	repo, dbPing, closeDB, err := openRepository(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeDB()

	registry := resilience.NewRegistry()
	transport := otelhttp.NewTransport(http.DefaultTransport)

	decomp, err := decompiler.NewClient(decompiler.Config{
		BaseURL:   cfg.Decomp.BaseURL,
		APIKey:    cfg.Decomp.APIKey,
		Timeout:   cfg.Decomp.Timeout,
		Transport: transport,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("init decompiler client: %w", err)
	}
	registry.Register(decomp.HTTPClient())

	// assigned before any job starts, so the listener never sees nil
	var persister *jobstore.Persister
	sched, err := polling.NewScheduler(polling.Config{
		Fetcher: decomp,
		Policy:  cfg.Policy,
		Logger:  log,
		Listener: forgetFinishedJobs(func(ctx context.Context, jobID string) error {
			return persister.Forget(ctx, jobID)
		}, log),
	})
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	persister = jobstore.NewPersister(jobstore.PersisterConfig{
		Source:     sched,
		Repository: repo,
		Interval:   cfg.Persist.Interval,
		Logger:     log,
	})

	creds := vault.New(vault.Config{
		DefaultTTL:    cfg.Vault.DefaultTTL,
		SweepInterval: cfg.Vault.SweepInterval,
		Logger:        log,
	})

	tester := connectivity.NewHTTPTester(connectivity.Config{
		BaseURLs:  cfg.Providers.BaseURLs,
		Timeout:   cfg.Providers.Timeout,
		Registry:  registry,
		Transport: transport,
		Logger:    log,
	})
	for _, id := range cfg.Providers.IDs {
		if !tester.Supports(id) {
			log.Warn().Str("provider", id).Msg("no connectivity check for provider, probes will report it unavailable")
		}
	}

	prober, err := health.NewProber(health.Config{
		Providers:     cfg.Providers.IDs,
		Credentials:   creds,
		Tester:        tester,
		SlowThreshold: cfg.Providers.SlowThreshold,
		Concurrency:   cfg.Providers.Concurrency,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("init prober: %w", err)
	}
	creds.OnChange(prober.Invalidate)

	probeCfg := worker.DefaultProbeConfig()
	probeCfg.Interval = cfg.Providers.ProbeInterval
	probeJob := worker.NewProbeJob(worker.ProbeJobConfig{
		Config: probeCfg,
		Prober: prober,
		Logger: log,
	})

	var sub *worker.PubSubHandler
	if cfg.PubSub.Enabled() {
		sub, err = worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			Dispatcher:       worker.NewDispatcher(sched, probeJob, log),
			Logger:           log,
		})
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		defer func() {
			if err := sub.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close pubsub client")
			}
		}()
	}

	if n, err := jobstore.Restore(ctx, repo, sched, log); err != nil {
		log.Error().Err(err).Msg("failed to restore polling state")
	} else if n == 0 {
		log.Info().Msg("no polling state to restore")
	}

	visibility := gate.NewSwitch(true)
	var (
		network       gate.SignalSource
		networkSetter handler.SignalSetter
		networkProbe  *gate.ProbeSource
	)
	if cfg.Network.ProbeURL != "" {
		networkProbe = gate.NewProbeSource(gate.ProbeConfig{
			Check:    gate.HTTPReachability(&http.Client{Transport: transport}, cfg.Network.ProbeURL),
			Interval: cfg.Network.ProbeInterval,
			Timeout:  cfg.Network.ProbeTimeout,
			Initial:  true,
			Logger:   log,
		})
		network, networkSetter = networkProbe, networkProbe.Switch
	} else {
		sw := gate.NewSwitch(true)
		network, networkSetter = sw, sw
	}

	pollGate := gate.New(gate.Config{
		Pauser:     sched,
		Visibility: visibility,
		Network:    network,
		Logger:     log,
	})
	pollGate.Start()

	tokens, err := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Auth.SigningKey,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		TTL:        cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:      log,
		ServiceName: cfg.Telemetry.ServiceName,
		Metrics:     metrics,
		RequireTLS:  cfg.HTTP.RequireTLS,
		Tokens:      tokens,
		Ops: handler.OpsConfig{
			Version:   Version,
			BuildTime: BuildTime,
			Upstreams: registry,
			Scheduler: sched,
			Database:  dbPing,
		},
		Scheduler: sched,
		Gate:      pollGate,
		Signals: map[gate.Signal]handler.SignalSetter{
			gate.SignalVisibility: visibility,
			gate.SignalNetwork:    networkSetter,
		},
		Prober:      prober,
		Credentials: creds,
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// provider probes may take up to the provider timeout
		WriteTimeout: cfg.Providers.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		creds.Run(gctx)
		return nil
	})
	grp.Go(func() error {
		persister.Run(gctx)
		return nil
	})
	grp.Go(func() error {
		probeJob.RunEvery(gctx)
		return nil
	})
	if networkProbe != nil {
		grp.Go(func() error {
			networkProbe.Run(gctx)
			return nil
		})
	}

	if sub != nil {
		grp.Go(func() error {
			if err := sub.Start(gctx); err != nil {
				return fmt.Errorf("pubsub receive: %w", err)
			}
			return nil
		})
	}
	grp.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = grp.Wait()

	// persister has already written its final snapshot
	pollGate.Stop()
	sched.Close()

	if err != nil {
		log.Error().Err(err).Msg("jobwatch stopped with error")
		return err
	}
	log.Info().Msg("jobwatch stopped")
	return nil
}

// openRepository returns the PostgreSQL repository when a database is
// configured and an in-memory one otherwise.
func openRepository(ctx context.Context, cfg database.Config, log zerolog.Logger) (jobstore.Repository, handler.PingFunc, func(), error) {
	if !cfg.Enabled() {
		log.Warn().Msg("no database configured, polling state will not survive restarts")
		return jobstore.NewInMemoryRepository(), nil, func() {}, nil
	}

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}

	repo := jobstore.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("database connected")
	return repo, pool.Ping, pool.Close, nil
}

// forgetFinishedJobs removes stored state as soon as a job leaves the
// scheduler, so a restart does not resume a finished job.
func forgetFinishedJobs(forget func(ctx context.Context, jobID string) error, log zerolog.Logger) polling.Listener {
	return func(ev polling.Event) {
		if !ev.Kind.IsFinal() {
			return
		}

		if err := forget(context.Background(), ev.JobID); err != nil {
			log.Warn().Err(err).Str("job_id", ev.JobID).Msg("failed to delete stored polling state")
		}

		log.Info().
			Str("job_id", ev.JobID).
			Str("outcome", string(ev.Kind)).
			Err(ev.Err).
			Msg("job polling finished")
	}
}

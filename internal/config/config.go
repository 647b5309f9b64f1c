// Package config loads the jobwatch process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jobwatch/jobwatch/internal/database"
	"github.com/jobwatch/jobwatch/internal/polling"
	"github.com/jobwatch/jobwatch/internal/provider/connectivity"
	"github.com/jobwatch/jobwatch/internal/telemetry"
)

// ErrMissingValue is returned when a required variable is unset.
var ErrMissingValue = errors.New("required configuration missing")

// Config is the complete process configuration.
type Config struct {
	Environment string
	LogLevel    string

	HTTP      HTTPConfig
	Auth      AuthConfig
	Decomp    DecompilerConfig
	Policy    polling.Policy
	Vault     VaultConfig
	Providers ProvidersConfig
	Network   NetworkConfig
	Persist   PersistConfig
	PubSub    PubSubConfig
	Database  database.Config
	Telemetry telemetry.Config
}

// HTTPConfig configures the operator API server.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	RequireTLS      bool
}

// AuthConfig configures operator token signing.
type AuthConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	TokenTTL   time.Duration
}

// DecompilerConfig configures the status endpoint client.
type DecompilerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// ProvidersConfig configures the health prober and connectivity tester.
type ProvidersConfig struct {
	IDs           []string
	BaseURLs      map[string]string
	Timeout       time.Duration
	SlowThreshold time.Duration
	Concurrency   int
	ProbeInterval time.Duration
}

// NetworkConfig configures the online/offline probe. An empty ProbeURL
// leaves the network signal under manual control.
type NetworkConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// PersistConfig configures polling state snapshots.
type PersistConfig struct {
	Interval time.Duration
}

// PubSubConfig configures the job event subscription. It is disabled when
// ProjectID or Subscription is empty.
type PubSubConfig struct {
	ProjectID    string
	Subscription string
}

// Enabled reports whether the subscription is configured.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Subscription != ""
}

// FromEnv reads the configuration from environment variables. Every
// malformed value is reported, not just the first.
func FromEnv(version string) (Config, error) {
	p := &parser{}

	env := getEnvOrDefault("APP_ENV", "development")
	defaults := polling.DefaultPolicy()

	cfg := Config{
		Environment: env,
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:            ":" + getEnvOrDefault("APP_PORT", "8080"),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
			RequireTLS:      p.boolean("REQUIRE_TLS", false),
		},
		Auth: AuthConfig{
			SigningKey: os.Getenv("JWT_SIGNING_KEY"),
			Issuer:     getEnvOrDefault("JWT_ISSUER", "jobwatch"),
			Audience:   getEnvOrDefault("JWT_AUDIENCE", "jobwatch-api"),
			TokenTTL:   p.duration("JWT_TOKEN_TTL", 12*time.Hour),
		},
		Decomp: DecompilerConfig{
			BaseURL: os.Getenv("DECOMPILER_BASE_URL"),
			APIKey:  os.Getenv("DECOMPILER_API_KEY"),
			Timeout: p.duration("DECOMPILER_TIMEOUT", 10*time.Second),
		},
		Policy: polling.Policy{
			MinInterval:       p.duration("POLL_MIN_INTERVAL", defaults.MinInterval),
			MaxInterval:       p.duration("POLL_MAX_INTERVAL", defaults.MaxInterval),
			Multiplier:        p.float("POLL_MULTIPLIER", defaults.Multiplier),
			ProgressThreshold: progressThreshold(p.float("POLL_PROGRESS_THRESHOLD", defaults.ProgressThreshold)),
			MaxRetries:        p.integer("POLL_MAX_RETRIES", defaults.MaxRetries),
		},
		Vault: VaultConfig{
			DefaultTTL:    p.duration("VAULT_DEFAULT_TTL", time.Hour),
			SweepInterval: p.duration("VAULT_SWEEP_INTERVAL", time.Minute),
		},
		Providers: ProvidersConfig{
			IDs:           getList("PROVIDERS", []string{connectivity.ProviderOpenAI, connectivity.ProviderAnthropic}),
			BaseURLs:      providerBaseURLs(),
			Timeout:       p.duration("PROVIDER_TIMEOUT", 10*time.Second),
			SlowThreshold: p.duration("PROVIDER_SLOW_THRESHOLD", 5*time.Second),
			Concurrency:   p.integer("PROVIDER_PROBE_CONCURRENCY", 4),
			ProbeInterval: p.duration("PROVIDER_PROBE_INTERVAL", 0),
		},
		Network: NetworkConfig{
			ProbeURL:      os.Getenv("NETWORK_PROBE_URL"),
			ProbeInterval: p.duration("NETWORK_PROBE_INTERVAL", 15*time.Second),
			ProbeTimeout:  p.duration("NETWORK_PROBE_TIMEOUT", 5*time.Second),
		},
		Persist: PersistConfig{
			Interval: p.duration("PERSIST_INTERVAL", 30*time.Second),
		},
		PubSub: PubSubConfig{
			ProjectID:    os.Getenv("PUBSUB_PROJECT_ID"),
			Subscription: os.Getenv("PUBSUB_SUBSCRIPTION"),
		},
		Telemetry: telemetry.Config{
			ServiceName:    getEnvOrDefault("OTEL_SERVICE_NAME", "jobwatch"),
			ServiceVersion: version,
			Environment:    env,
			OTLPEndpoint:   getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Enabled:        p.boolean("OTEL_ENABLED", false),
			SampleRatio:    p.float("OTEL_SAMPLE_RATIO", 1.0),
			ExportInterval: p.duration("OTEL_EXPORT_INTERVAL", 30*time.Second),
		},
	}

	db, err := database.ConfigFromEnv()
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.Database = db

	if err := cfg.Policy.Validate(); err != nil {
		p.errs = append(p.errs, err)
	}

	return cfg, errors.Join(p.errs...)
}

// progressThreshold maps an explicit zero to polling.AnyProgress, since a
// zero Policy field means "use the default".
func progressThreshold(v float64) float64 {
	if v == 0 {
		return polling.AnyProgress
	}
	return v
}

// ValidateServe checks the values needed to run the service, as opposed to
// one-off commands such as token issuance.
func (c Config) ValidateServe() error {
	var errs []error
	if c.Decomp.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: DECOMPILER_BASE_URL", ErrMissingValue))
	}
	if c.Auth.SigningKey == "" {
		errs = append(errs, fmt.Errorf("%w: JWT_SIGNING_KEY", ErrMissingValue))
	}
	if len(c.Providers.IDs) == 0 {
		errs = append(errs, fmt.Errorf("%w: PROVIDERS", ErrMissingValue))
	}
	return errors.Join(errs...)
}

// providerBaseURLs reads PROVIDER_<ID>_BASE_URL overrides.
func providerBaseURLs() map[string]string {
	urls := make(map[string]string)
	for id := range connectivity.DefaultEndpoints() {
		key := "PROVIDER_" + strings.ToUpper(id) + "_BASE_URL"
		if v := os.Getenv(key); v != "" {
			urls[id] = v
		}
	}
	return urls
}

// parser collects parse errors so all bad variables are reported at once.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Package decompiler fetches job status from the remote decompilation
// service.
package decompiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jobwatch/jobwatch/internal/polling"
	"github.com/jobwatch/jobwatch/internal/provider/resilience"
)

// ErrJobNotFound is returned when the service does not know the job.
var ErrJobNotFound = errors.New("job not found")

// maxBodySize bounds how much of a status response is read.
const maxBodySize = 1 << 20

// Config holds configuration for the decompiler client.
type Config struct {
	// BaseURL is the service root, e.g. https://decompiler.internal (required).
	BaseURL string

	// APIKey, if set, is sent as a bearer token.
	APIKey string

	// Timeout bounds a single status request.
	// Default: 10 seconds
	Timeout time.Duration

	// CircuitBreaker overrides the default breaker settings.
	CircuitBreaker *resilience.CircuitBreakerConfig

	// Transport overrides the HTTP transport. Default: http.DefaultTransport
	Transport http.RoundTripper

	Logger zerolog.Logger
}

// statusResponse is the wire format of GET /jobs/{id}/status.
type statusResponse struct {
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	IsCompleted bool    `json:"is_completed"`
	Message     string  `json:"message,omitempty"`
}

// Client implements polling.StatusFetcher against the decompiler HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *resilience.Client
	logger  zerolog.Logger
}

var _ polling.StatusFetcher = (*Client)(nil)

// NewClient creates a new decompiler client. Retries are disabled on the
// underlying HTTP client; the poll scheduler owns the retry schedule.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("decompiler: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("decompiler: invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: resilience.NewClient(resilience.ClientConfig{
			Name:           "decompiler",
			Timeout:        timeout,
			DisableRetries: true,
			CircuitBreaker: cfg.CircuitBreaker,
			Transport:      cfg.Transport,
			Logger:         cfg.Logger,
		}),
		logger: cfg.Logger,
	}, nil
}

// HTTPClient returns the underlying resilient client.
func (c *Client) HTTPClient() *resilience.Client {
	return c.http
}

// FetchStatus implements polling.StatusFetcher.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (polling.JobStatus, error) {
	endpoint := c.baseURL + "/jobs/" + url.PathEscape(jobID) + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return polling.JobStatus{}, fmt.Errorf("building status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return polling.JobStatus{}, fmt.Errorf("fetching status of %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return polling.JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	case resp.StatusCode >= 500:
		return polling.JobStatus{}, &resilience.ServerError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return polling.JobStatus{}, &resilience.RateLimitError{}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return polling.JobStatus{}, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, jobID)
	}

	var body statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return polling.JobStatus{}, fmt.Errorf("decoding status of %s: %w", jobID, err)
	}

	c.logger.Debug().
		Str("job_id", jobID).
		Str("status", body.Status).
		Float64("progress", body.Progress).
		Msg("job status fetched")

	return polling.JobStatus{
		Status:          body.Status,
		ProgressPercent: body.Progress,
		IsCompleted:     body.IsCompleted,
		Message:         body.Message,
	}, nil
}

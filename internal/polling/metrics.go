package polling

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/jobwatch/jobwatch/internal/polling"

// schedulerMetrics holds the OpenTelemetry instruments for the scheduler.
type schedulerMetrics struct {
	fetchTotal    metric.Int64Counter
	fetchDuration metric.Float64Histogram
	activeJobs    metric.Int64UpDownCounter
	finishedJobs  metric.Int64Counter
}

func newSchedulerMetrics() (*schedulerMetrics, error) {
	meter := otel.Meter(instrumentationName)

	fetchTotal, err := meter.Int64Counter(
		"jobwatch.polling.fetch.total",
		metric.WithDescription("Total number of job status fetches"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	fetchDuration, err := meter.Float64Histogram(
		"jobwatch.polling.fetch.duration",
		metric.WithDescription("Duration of job status fetches in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	activeJobs, err := meter.Int64UpDownCounter(
		"jobwatch.polling.jobs.active",
		metric.WithDescription("Number of jobs currently being polled"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	finishedJobs, err := meter.Int64Counter(
		"jobwatch.polling.jobs.finished",
		metric.WithDescription("Number of jobs that left the scheduler, by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return &schedulerMetrics{
		fetchTotal:    fetchTotal,
		fetchDuration: fetchDuration,
		activeJobs:    activeJobs,
		finishedJobs:  finishedJobs,
	}, nil
}

func (m *schedulerMetrics) recordFetch(ctx context.Context, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.fetchTotal.Add(ctx, 1, attrs)
	m.fetchDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *schedulerMetrics) jobStarted(ctx context.Context) {
	m.activeJobs.Add(ctx, 1)
}

func (m *schedulerMetrics) jobFinished(ctx context.Context, outcome string) {
	m.activeJobs.Add(ctx, -1)
	m.finishedJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Package observability exports orchestration metrics through OpenTelemetry
// with a Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"maestro/internal/logging"
)

// MetricsCollector manages the orchestrator's metrics.
type MetricsCollector struct {
	meter metric.Meter

	jobsClaimed       metric.Int64Counter
	runsFinished      metric.Int64Counter
	runsStalled       metric.Int64Counter
	tasksFinished     metric.Int64Counter
	taskDuration      metric.Float64Histogram
	resumeSignals     metric.Int64Counter
	terminalReversals metric.Int64Counter
	jobsInFlight      metric.Int64UpDownCounter

	prometheusServer *http.Server
	logger           logging.Logger
}

// MetricsConfig configures the collector.
type MetricsConfig struct {
	Enabled        bool
	PrometheusPort int
}

// NewMetricsCollector creates the collector. A disabled config yields a
// collector whose record methods are no-ops.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	c := &MetricsCollector{logger: logging.OrNop(logger)}
	if !config.Enabled {
		return c, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	c.meter = provider.Meter("maestro")

	if c.jobsClaimed, err = c.meter.Int64Counter(
		"maestro.jobs.claimed.total",
		metric.WithDescription("Jobs claimed by workers"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, fmt.Errorf("create jobs_claimed counter: %w", err)
	}
	if c.runsFinished, err = c.meter.Int64Counter(
		"maestro.runs.finished.total",
		metric.WithDescription("Runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create runs_finished counter: %w", err)
	}
	if c.runsStalled, err = c.meter.Int64Counter(
		"maestro.runs.stalled.total",
		metric.WithDescription("Runs aborted by the stall detector"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create runs_stalled counter: %w", err)
	}
	if c.tasksFinished, err = c.meter.Int64Counter(
		"maestro.tasks.finished.total",
		metric.WithDescription("Tasks reaching a terminal status"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create tasks_finished counter: %w", err)
	}
	if c.taskDuration, err = c.meter.Float64Histogram(
		"maestro.task.duration",
		metric.WithDescription("Task wall time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create task_duration histogram: %w", err)
	}
	if c.resumeSignals, err = c.meter.Int64Counter(
		"maestro.control.resume.total",
		metric.WithDescription("Resume signals applied"),
		metric.WithUnit("{signal}"),
	); err != nil {
		return nil, fmt.Errorf("create resume_signals counter: %w", err)
	}
	if c.terminalReversals, err = c.meter.Int64Counter(
		"maestro.store.terminal_reversals.total",
		metric.WithDescription("Rejected transitions out of a terminal state"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("create terminal_reversals counter: %w", err)
	}
	if c.jobsInFlight, err = c.meter.Int64UpDownCounter(
		"maestro.jobs.in_flight",
		metric.WithDescription("Jobs currently held under lease"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, fmt.Errorf("create jobs_in_flight gauge: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := c.startPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}
	return c, nil
}

func (c *MetricsCollector) startPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	c.prometheusServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		c.logger.Info("prometheus metrics listening on :%d", port)
		if err := c.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("prometheus server: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the scrape endpoint.
func (c *MetricsCollector) Shutdown(ctx context.Context) error {
	if c.prometheusServer != nil {
		return c.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordJobClaimed counts a claim and raises the in-flight gauge.
func (c *MetricsCollector) RecordJobClaimed(ctx context.Context, workerID string) {
	if c.jobsClaimed == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("worker", workerID))
	c.jobsClaimed.Add(ctx, 1, attrs)
	c.jobsInFlight.Add(ctx, 1, attrs)
}

// RecordJobReleased lowers the in-flight gauge.
func (c *MetricsCollector) RecordJobReleased(ctx context.Context, workerID string) {
	if c.jobsInFlight == nil {
		return
	}
	c.jobsInFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("worker", workerID)))
}

// RecordRunFinished counts a run's terminal status.
func (c *MetricsCollector) RecordRunFinished(ctx context.Context, status string) {
	if c.runsFinished == nil {
		return
	}
	c.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRunStalled counts a stall-detector abort.
func (c *MetricsCollector) RecordRunStalled(ctx context.Context) {
	if c.runsStalled == nil {
		return
	}
	c.runsStalled.Add(ctx, 1)
}

// RecordTaskFinished counts a terminal task and its duration.
func (c *MetricsCollector) RecordTaskFinished(ctx context.Context, agent, status string, duration time.Duration) {
	if c.tasksFinished == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	)
	c.tasksFinished.Add(ctx, 1, attrs)
	c.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordResumeSignal counts a resume application by outcome.
func (c *MetricsCollector) RecordResumeSignal(ctx context.Context, outcome string) {
	if c.resumeSignals == nil {
		return
	}
	c.resumeSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTerminalReversal counts a write-once violation attempt. The release
// gate treats any non-zero count as a hard failure.
func (c *MetricsCollector) RecordTerminalReversal(ctx context.Context) {
	if c.terminalReversals == nil {
		return
	}
	c.terminalReversals.Add(ctx, 1)
}

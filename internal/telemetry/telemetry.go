// Package telemetry provides OpenTelemetry integration for synchrony.
//
// Telemetry is disabled by default.
//
//	SYNCHRONY_OTEL_ENABLED=true   enable telemetry (default: off)
//	OTEL_SERVICE_NAME=synchrony   override service name
//
// When enabled, spans and metrics are written to stdout.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "synchrony"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active.
func Enabled() bool {
	return os.Getenv("SYNCHRONY_OTEL_ENABLED") == "true"
}

// Init configures OTel providers, or no-op providers when disabled.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	spanExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(spanExp),
	)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Tracer returns the synchrony tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationScope)
}

// Meter returns the synchrony meter.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Shutdown flushes all spans/metrics and shuts down OTel providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Outcome values recorded per issue.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUpToDate  = "up_to_date"
	OutcomeSkipped   = "skipped"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeTurnedOff = "turned_off"
)

// SyncMetrics holds the synchronization instruments.
type SyncMetrics struct {
	issues   metric.Int64Counter
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewSyncMetrics creates the instruments on m, or on the global meter when
// m is nil.
func NewSyncMetrics(m metric.Meter) *SyncMetrics {
	if m == nil {
		m = Meter()
	}
	// Instrument creation only fails on invalid names; fall back to no-ops.
	noop := metricnoop.NewMeterProvider().Meter(instrumentationScope)
	issues, err := m.Int64Counter("synchrony.issues",
		metric.WithDescription("Issues processed per outcome"))
	if err != nil {
		issues, _ = noop.Int64Counter("synchrony.issues")
	}
	runs, err := m.Int64Counter("synchrony.runs",
		metric.WithDescription("Synchronization runs"))
	if err != nil {
		runs, _ = noop.Int64Counter("synchrony.runs")
	}
	duration, err := m.Float64Histogram("synchrony.run.duration",
		metric.WithDescription("Run duration"), metric.WithUnit("s"))
	if err != nil {
		duration, _ = noop.Float64Histogram("synchrony.run.duration")
	}
	return &SyncMetrics{issues: issues, runs: runs, duration: duration}
}

// RecordIssue counts one processed issue.
func (m *SyncMetrics) RecordIssue(ctx context.Context, site, direction, outcome string) {
	m.issues.Add(ctx, 1, metric.WithAttributes(
		attribute.String("site", site),
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}

// RecordRun counts a finished run and its duration.
func (m *SyncMetrics) RecordRun(ctx context.Context, site, direction string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("site", site),
		attribute.String("direction", direction),
		attribute.Bool("error", err != nil),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// StartSpan starts a span on the synchrony tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Global tracer for the application
	Tracer trace.Tracer

	// Global meter for custom metrics
	Meter metric.Meter

	// Custom metrics
	IssuesSynced       metric.Int64Counter
	WorkflowsStarted   metric.Int64Counter
	WorkflowsCompleted metric.Int64Counter
	TrackerLatency     metric.Float64Histogram
	SyncLatency        metric.Float64Histogram
)

// The instruments default to no-ops so the recording sites in the manager
// and activities stay safe when no OTLP endpoint is configured;
// InitTelemetry swaps in the real meter.
func init() {
	Meter = metricnoop.NewMeterProvider().Meter("weave")
	_ = initMetrics()
}

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	// Create OTLP trace exporter
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	// Create trace provider
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	// Set global trace provider and propagator
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Create global tracer
	Tracer = otel.Tracer(serviceName)

	// Create global meter
	Meter = otel.Meter(serviceName)

	// Initialize custom metrics
	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	// Return shutdown function
	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	IssuesSynced, err = Meter.Int64Counter(
		"weave.issues.synced",
		metric.WithDescription("Number of issue propagations applied"),
	)
	if err != nil {
		return err
	}

	WorkflowsStarted, err = Meter.Int64Counter(
		"weave.workflows.started",
		metric.WithDescription("Number of sync workflows started"),
	)
	if err != nil {
		return err
	}

	WorkflowsCompleted, err = Meter.Int64Counter(
		"weave.workflows.completed",
		metric.WithDescription("Number of sync workflows completed"),
	)
	if err != nil {
		return err
	}

	TrackerLatency, err = Meter.Float64Histogram(
		"weave.tracker.latency",
		metric.WithDescription("Tracker operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	SyncLatency, err = Meter.Float64Histogram(
		"weave.sync.latency",
		metric.WithDescription("End-to-end issue sync latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Package observability wires OpenTelemetry tracing and Prometheus metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	resolverTracer trace.Tracer

	recordDuration     metric.Float64Histogram
	recordTotal        metric.Int64Counter
	connectionTotal    metric.Int64Counter
	domainBlockedTotal metric.Int64Counter
)

const instrumentationName = "doc-resolver/engine"

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "doc-resolver"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Log error but don't fail app startup - observability is optional
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
			fmt.Printf("WARN: Endpoint: %s\n", cfg.OTLPEndpoint)
			// Continue without tracing - app should still function
		} else {
			spanExporter = exp
			fmt.Printf("INFO: OTLP trace exporter initialised successfully for endpoint: %s\n", cfg.OTLPEndpoint)
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		resolverTracer = tracerProvider.Tracer(instrumentationName)
		_ = initResolverInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

// WrapTransport instruments outgoing requests when the providers are active.
func WrapTransport(rt http.RoundTripper, prov *Providers) http.RoundTripper {
	if prov == nil || prov.TracerProvider == nil {
		return rt
	}

	return otelhttp.NewTransport(rt,
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Host)
		}),
	)
}

func initResolverInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	recordDuration, err = meter.Float64Histogram(
		"resolver.record.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to resolve one input record"),
	)
	if err != nil {
		return err
	}

	recordTotal, err = meter.Int64Counter(
		"resolver.records.total",
		metric.WithDescription("Counts record outcomes"),
	)
	if err != nil {
		return err
	}

	connectionTotal, err = meter.Int64Counter(
		"resolver.connections.total",
		metric.WithDescription("Counts HTTP attempts by method and status class"),
	)
	if err != nil {
		return err
	}

	domainBlockedTotal, err = meter.Int64Counter(
		"resolver.domains.blocked.total",
		metric.WithDescription("Counts domains blocked for the rest of a run"),
	)
	return err
}

// RecordSpanInfo describes the attributes used when starting a record span.
type RecordSpanInfo struct {
	RunID    string
	RecordID string
	URL      string
}

// RecordMetrics describes a processed record for metric recording.
type RecordMetrics struct {
	RunID    string
	Outcome  string
	Duration time.Duration
}

// StartRecordSpan starts a span for resolving one input record.
func StartRecordSpan(ctx context.Context, info RecordSpanInfo) (context.Context, trace.Span) {
	t := resolverTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("run.id", info.RunID),
		attribute.String("record.id", info.RecordID),
		attribute.String("record.url", info.URL),
	}

	return t.Start(ctx, "engine.process_record", trace.WithAttributes(attrs...))
}

// RecordOutcome emits record metrics when instrumentation is initialised.
func RecordOutcome(ctx context.Context, metrics RecordMetrics) {
	attrs := metric.WithAttributes(attribute.String("run.id", metrics.RunID), attribute.String("outcome", metrics.Outcome))

	if recordDuration != nil {
		recordDuration.Record(ctx, float64(metrics.Duration.Milliseconds()), attrs)
	}
	if recordTotal != nil {
		recordTotal.Add(ctx, 1, attrs)
	}
}

// RecordConnection counts one HTTP attempt. A zero status means no response.
func RecordConnection(ctx context.Context, method string, status int) {
	if connectionTotal == nil {
		return
	}
	connectionTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("method", method), attribute.String("status_class", StatusClass(status))))
}

// RecordDomainBlocked counts a newly blocked domain.
func RecordDomainBlocked(ctx context.Context, reason string) {
	if domainBlockedTotal == nil {
		return
	}
	domainBlockedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// StatusClass maps 404 to "4xx" and 0 to "error".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}

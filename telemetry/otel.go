package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/otlptranslator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/yairfalse/sunset"

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint enables push export when set, e.g. "localhost:4317"
	OTLPEndpoint string
	Insecure     bool
	SampleRate   float64
}

// Providers holds the initialized providers and the Prometheus registry
// the OTEL exporter registers with
type Providers struct {
	Registry *promclient.Registry
	Tracer   trace.Tracer
	Meter    metric.Meter

	shutdown []func(context.Context) error
}

// InitOTEL initializes OpenTelemetry with traces and metrics. Metrics are
// always exposed for Prometheus scraping; OTLP export is optional.
func InitOTEL(ctx context.Context, cfg Config) (*Providers, error) {
	cfg = applyConfigDefaults(cfg)

	res, err := createOTELResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &Providers{}
	if err := p.setupTraceProvider(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("failed to setup traces: %w", err)
	}
	if err := p.setupMetricProvider(ctx, cfg, res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}
	return p, nil
}

// Shutdown flushes and stops every provider, reporting the first failure
func (p *Providers) Shutdown(ctx context.Context) error {
	var first error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sunset"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	return cfg
}

func createOTELResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// setupTraceProvider exports spans over OTLP when an endpoint is set;
// without one spans are still created so log lines carry trace IDs
func (p *Providers) setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			))
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p.Tracer = provider.Tracer(instrumentationName)
	p.shutdown = append(p.shutdown, provider.Shutdown)
	return nil
}

// setupMetricProvider configures dual export: a Prometheus reader on a
// dedicated registry plus an optional OTLP periodic reader
func (p *Providers) setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
		prometheus.WithTranslationStrategy(otlptranslator.UnderscoreEscapingWithSuffixes),
	)
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithDialOption(
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			))
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)),
		))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)

	p.Registry = registry
	p.Meter = provider.Meter(instrumentationName)
	p.shutdown = append(p.shutdown, provider.Shutdown)
	return nil
}

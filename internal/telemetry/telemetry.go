package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is reported as service.name on every claude.session span.
	ServiceName = "claudebridge"
	// DefaultEndpoint is used when neither the environment nor config name one.
	DefaultEndpoint = "http://localhost:4318"

	batchTimeout = 5 * time.Second
	batchSize    = 512
)

var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Options configures Init.
type Options struct {
	// Endpoint is the configured collector URL. OTEL_EXPORTER_OTLP_ENDPOINT
	// wins when set.
	Endpoint string
	// Version is reported as service.version; empty means "dev".
	Version string
}

// Init installs a global tracer provider that batches claude.session spans to
// an OTLP HTTP collector. The returned func flushes and stops it.
func Init(ctx context.Context, opts Options) (func(), error) {
	endpoint := resolveEndpoint(opts.Endpoint)
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter for %s: %w", endpoint, err)
	}

	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", version),
			attribute.String("environment", resolveEnvironment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(batchTimeout),
			sdktrace.WithMaxExportBatchSize(batchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), batchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"CLAUDEBRIDGE_ENV", "ENVIRONMENT"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return "dev"
}

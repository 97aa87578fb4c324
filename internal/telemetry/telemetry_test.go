package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	mu       sync.Mutex
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("CLAUDEBRIDGE_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{Endpoint: "http://from-config:4318", Version: "v1.2.3-test"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitUsesConfiguredEndpointWhenEnvironmentUnset(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{Endpoint: "http://from-config:4318"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != "http://from-config:4318" {
		t.Fatalf("endpoint = %q, want configured endpoint", capturedEndpoint)
	}
}

func TestInitUsesDefaultEndpointWhenUnset(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want %q", capturedEndpoint, DefaultEndpoint)
	}
}

func TestInitReturnsExporterError(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{Endpoint: "http://collector:4318"})
	if err == nil {
		t.Fatal("expected exporter error")
	}
	if shutdown != nil {
		t.Fatal("shutdown must be nil on error")
	}
	if !strings.Contains(err.Error(), "http://collector:4318") || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("error = %v", err)
	}
}

func TestInitDefaultsServiceVersion(t *testing.T) {
	fake := &fakeExporter{}
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "claude.session")
	span.End()
	shutdown()

	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}
	assertResourceAttribute(t, fake.exported[0].Resource().Attributes(), "service.version", "dev")
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("CLAUDEBRIDGE_ENV", "")
	t.Setenv("ENVIRONMENT", "Staging")

	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}
}

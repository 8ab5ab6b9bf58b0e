// Package observability 初始化 OpenTelemetry 链路追踪。
package observability

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/httprunner/EmuAgent/internal/config"
)

// Config holds the tracing pipeline settings.
type Config struct {
	// Endpoint is the OTLP/HTTP collector host:port. Tracing is off when empty.
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	HostUUID    string
}

// Shutdown flushes and shuts down the pipeline.
type Shutdown func(ctx context.Context) error

// ConfigFromEnv reads EMUAGENT_OTLP_ENDPOINT and EMUAGENT_SERVICE_NAME.
func ConfigFromEnv(version, hostUUID string) Config {
	endpoint := config.String(config.EnvOTLPEndpoint, "")
	insecure := strings.HasPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	return Config{
		Endpoint:    endpoint,
		Insecure:    insecure,
		ServiceName: config.String(config.EnvServiceName, "emuagent"),
		Version:     version,
		HostUUID:    hostUUID,
	}
}

// Setup installs a batching OTLP tracer provider as the global provider.
// Without an endpoint the global noop provider stays in place.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return noopShutdown, nil
	}
	origTP := otel.GetTracerProvider()
	origPropagator := otel.GetTextMapPropagator()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "emuagent"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
		attribute.String("service.version", cfg.Version),
	}
	if cfg.HostUUID != "" {
		attrs = append(attrs, attribute.String("host.id", cfg.HostUUID))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return noopShutdown, errors.Wrap(err, "merge otel resource")
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noopShutdown, errors.Wrap(err, "create otel exporter")
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		err := provider.Shutdown(shutdownCtx)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origPropagator)
		return errors.Wrap(err, "shutdown otel provider")
	}, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

func noopShutdown(context.Context) error { return nil }

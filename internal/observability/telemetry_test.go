package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/httprunner/EmuAgent/internal/config"
)

func TestSetupWithoutEndpointKeepsProvider(t *testing.T) {
	orig := otel.GetTracerProvider()
	sentinel := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(sentinel)
	t.Cleanup(func() {
		_ = sentinel.Shutdown(context.Background())
		otel.SetTracerProvider(orig)
	})

	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != sentinel {
		t.Fatalf("disabled setup must not replace the provider")
	}
}

func TestSetupInstallsAndRestoresProvider(t *testing.T) {
	orig := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), Config{Endpoint: "127.0.0.1:4318", Insecure: true, Version: "test"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk provider installed")
	}
	_, span := Tracer("test").Start(context.Background(), "probe")
	span.End()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
	if otel.GetTracerProvider() != orig {
		t.Fatalf("shutdown should restore the previous provider")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(config.EnvOTLPEndpoint, "http://collector:4318")
	cfg := ConfigFromEnv("v1", "host")
	if cfg.Endpoint != "collector:4318" || !cfg.Insecure || cfg.ServiceName != "emuagent" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

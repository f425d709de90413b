package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/dunamismax/hueshift/internal/config"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "hueshift-test", config.TracingConfig{Exporter: "none"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracingStdout(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := SetupTracing(context.Background(), "hueshift-test", config.TracingConfig{Exporter: "stdout"}, &out, zerolog.Nop())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "adjust.image")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "adjust.image") {
		t.Fatalf("expected exported span, got %q", out.String())
	}
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	if _, err := SetupTracing(context.Background(), "x", config.TracingConfig{Exporter: "otlp"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
	if _, err := SetupTracing(context.Background(), "x", config.TracingConfig{Exporter: "jaeger"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

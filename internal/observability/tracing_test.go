package observability

import (
	"context"
	"testing"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("FLEET_TRACING_ENABLED", "TRUE")
	t.Setenv("FLEET_TRACING_EXPORTER", "OTLP")
	t.Setenv("FLEET_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("FLEET_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("TracingConfigFromEnv = %+v", cfg)
	}
	if cfg.ServiceName != "fleet-coordinator" {
		t.Fatalf("ServiceName = %q, want fleet-coordinator", cfg.ServiceName)
	}
}

func TestTracingConfigIgnoresBadRatio(t *testing.T) {
	t.Setenv("FLEET_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("SampleRatio = %v, want 1", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestExporterFromConfigRejectsUnknown(t *testing.T) {
	if _, err := exporterFromConfig(context.Background(), TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Fatalf("exporterFromConfig(zipkin) should fail")
	}
}

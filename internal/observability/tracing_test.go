package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func envMap(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestTracingConfigFromEnv(t *testing.T) {
	cfg := TracingConfigFromEnv(envMap(map[string]string{
		"SATLINK_TRACING_ENABLED":      "true",
		"SATLINK_TRACING_EXPORTER":     "OTLP",
		"SATLINK_TRACING_SAMPLE_RATIO": "0.25",
		"SATLINK_OTLP_ENDPOINT":        "collector:4317",
	}))
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ServiceName != "satlink-sim" {
		t.Fatalf("ServiceName = %q, want default", cfg.ServiceName)
	}
}

func TestTracingConfigDefaults(t *testing.T) {
	cfg := TracingConfigFromEnv(envMap(map[string]string{"SATLINK_TRACING_SAMPLE_RATIO": "7"}))
	if cfg.Enabled || cfg.Exporter != "stdout" || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("expected a non-recording span when tracing is disabled")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracingStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "satlink-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Output:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_, _ = InitTracing(context.Background(), TracingConfig{}, nil)
	})

	_, span := Tracer().Start(context.Background(), "fwdlink.Schedule")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "fwdlink.Schedule") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInitTracingUnsupportedExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

package mldtrace

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{raw: "collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "collector:9000", protocol: "grpc", endpoint: "collector:9000", insecure: true},
		{raw: "grpc://collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "grpcs://collector:443", protocol: "grpc", endpoint: "collector:443", insecure: false},
		{raw: "http://collector", protocol: "http", endpoint: "collector:4318", insecure: true},
		{raw: "https://collector/v1/traces/", protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := resolveOTLPTarget(tc.raw)
			if err != nil {
				t.Fatalf("resolveOTLPTarget: %v", err)
			}
			if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestResolveOTLPTargetErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetrySettings{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected nil bundle, got %v err=%v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown: %v", err)
	}
	if _, err := setupTelemetry(context.Background(), telemetrySettings{runtimeMetrics: true}, nil); err == nil {
		t.Fatalf("expected error for profiling metrics without a metrics listener")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := setupTelemetry(ctx, telemetrySettings{metricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setupTelemetry: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	})

	m := newServerMetrics(nil, func() int { return 2 })
	defer m.close()
	m.CommandDone(ctx, "query", true, time.Millisecond)

	addr := tel.MetricsAddr()
	if addr == "" {
		t.Fatalf("metrics address not reported")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	text := string(body)
	for _, want := range []string{"mldtrace_commands", "mldtrace_sessions_active"} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.Conversions == nil {
		t.Error("Conversions is nil")
	}
	if m.Failovers == nil {
		t.Error("Failovers is nil")
	}
	if m.UsageStreamLag == nil {
		t.Error("UsageStreamLag is nil")
	}
	if m.DimensionsMissing == nil {
		t.Error("DimensionsMissing is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.Conversions.WithLabelValues("claude:chat", "openai:chat").Inc()
	m.Failovers.WithLabelValues("openai", "timeout").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.ObserveUsageStream("aether-usage", 12, 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"aether_requests_total",
		"aether_format_conversions_total",
		"aether_failovers_total",
		"aether_active_requests",
		"aether_request_duration_seconds",
		"aether_usage_stream_lag",
		"aether_usage_stream_pending",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.

package runtime

import (
	"context"
	"testing"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/prometheus/client_golang/prometheus"
)

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, meter, tracer, err := SetupTelemetry(context.Background(), config.TelemetryConfig{}, TelemetryOptions{ServiceName: "test"})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	if meter == nil || tracer == nil {
		t.Fatalf("expected global meter and tracer")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetupTelemetryPrometheusOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, meter, _, err := SetupTelemetry(context.Background(),
		config.TelemetryConfig{Enabled: true},
		TelemetryOptions{ServiceName: "test", ServiceVersion: "dev", Registerer: reg})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	c, err := meter.Int64Counter("dq_test_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	c.Add(context.Background(), 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "dq_test_total" {
			found = true
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Fatalf("expected 3, got %f", got)
			}
		}
	}
	if !found {
		t.Fatalf("counter not exported")
	}
}

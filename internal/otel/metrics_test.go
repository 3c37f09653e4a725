package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.SpawnDuration == nil {
		t.Error("SpawnDuration is nil")
	}
	if m.SpawnFailures == nil {
		t.Error("SpawnFailures is nil")
	}
	if m.ActiveAgents == nil {
		t.Error("ActiveAgents is nil")
	}
	if m.ReadyQueueDepth == nil {
		t.Error("ReadyQueueDepth is nil")
	}
	if m.RecoveryAttempts == nil {
		t.Error("RecoveryAttempts is nil")
	}
	if m.RecoveryEscalated == nil {
		t.Error("RecoveryEscalated is nil")
	}
	if m.HandoversTriggered == nil {
		t.Error("HandoversTriggered is nil")
	}
	if m.ProgressEvents == nil {
		t.Error("ProgressEvents is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

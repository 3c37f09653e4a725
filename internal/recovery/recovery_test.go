package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/model"
	apmotel "github.com/apm-auto/coordinator/internal/otel"
	"github.com/apm-auto/coordinator/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := persistence.Open(persistence.DefaultDBPath(dir), persistence.PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// failingSpawner always fails, modeling a respawn stub that throws.
type failingSpawner struct{ calls int }

func (f *failingSpawner) Respawn(ctx context.Context, agentID string, cp *model.SessionCheckpoint) error {
	f.calls++
	return errors.New("spawn failed")
}

func TestAttemptRecovery_EscalatesAfterMaxRetries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateAgent(ctx, "a2", model.AgentTypeImplementation, nil, ""); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := st.UpdateAgentState(ctx, "a2", model.AgentActive, persistence.UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	taskID := "task-x"
	if err := st.UpdateAgentTask(ctx, "a2", &taskID); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	spawner := &failingSpawner{}
	bus := eventbus.New()
	escalated := bus.SubscribeOnce(eventbus.TopicRecoveryEscalated)
	defer bus.Unsubscribe(escalated.ID())

	fakeNow := time.Now().Add(-5 * time.Second)
	mgr := New(st, spawner, bus, nil, Config{
		HeartbeatTimeout: time.Second,
		MaxRetryAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
		AutoRecovery:     true,
	})
	mgr.now = func() time.Time { return fakeNow }

	out1 := mgr.AttemptRecovery(ctx, "a2", "no heartbeat for 1 seconds")
	if out1.Success {
		t.Fatalf("expected first attempt to fail (spawner stub throws)")
	}
	out2 := mgr.AttemptRecovery(ctx, "a2", "no heartbeat for 1 seconds")
	if out2.Success {
		t.Fatalf("expected second attempt to fail")
	}
	out3 := mgr.AttemptRecovery(ctx, "a2", "no heartbeat for 1 seconds")
	if out3.Success || out3.Error != "max attempts exceeded" {
		t.Fatalf("expected third attempt to escalate, got %+v", out3)
	}

	select {
	case <-escalated.C():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery-escalated event")
	}

	stats := mgr.Statistics()
	if stats.FailedRecoveries != 1 {
		t.Fatalf("expected failedRecoveries=1, got %d", stats.FailedRecoveries)
	}
	if stats.SuccessRate() != 0 {
		t.Fatalf("expected successRate=0, got %f", stats.SuccessRate())
	}

	agent, err := st.GetAgent(ctx, "a2")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != model.AgentTerminated {
		t.Fatalf("expected agent terminated, got %s", agent.Status)
	}
}

// succeedingSpawner succeeds on the first call.
type succeedingSpawner struct{ calls int }

func (s *succeedingSpawner) Respawn(ctx context.Context, agentID string, cp *model.SessionCheckpoint) error {
	s.calls++
	return nil
}

func TestTick_DetectsStaleAgentAndRecovers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateAgent(ctx, "a1", model.AgentTypeImplementation, nil, ""); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := st.UpdateAgentState(ctx, "a1", model.AgentActive, persistence.UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	taskID := "task-y"
	if err := st.UpdateAgentTask(ctx, "a1", &taskID); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	spawner := &succeedingSpawner{}
	mgr := New(st, spawner, nil, nil, Config{
		HeartbeatTimeout: time.Second,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
		AutoRecovery:     true,
	})
	mgr.now = func() time.Time { return time.Now().Add(5 * time.Second) }

	mgr.Tick(ctx)

	stats := mgr.Statistics()
	if stats.TotalCrashes != 1 {
		t.Fatalf("expected 1 crash detected, got %d", stats.TotalCrashes)
	}
	if stats.SuccessfulRecoveries != 1 {
		t.Fatalf("expected 1 successful recovery, got %d", stats.SuccessfulRecoveries)
	}
	if spawner.calls != 1 {
		t.Fatalf("expected spawner called once, got %d", spawner.calls)
	}
}

// TestAttemptRecovery_WithMetricsDoesNotPanic exercises the telemetry path: a
// non-nil Metrics must accept RecoveryAttempts/RecoveryEscalated updates on a
// real (non-noop) meter without altering the escalation outcome.
func TestAttemptRecovery_WithMetricsDoesNotPanic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateAgent(ctx, "a3", model.AgentTypeImplementation, nil, ""); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := st.UpdateAgentState(ctx, "a3", model.AgentActive, persistence.UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	taskID := "task-z"
	if err := st.UpdateAgentTask(ctx, "a3", &taskID); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	provider, err := apmotel.Init(ctx, apmotel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("apmotel.Init: %v", err)
	}
	defer provider.Shutdown(ctx)
	metrics, err := apmotel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("apmotel.NewMetrics: %v", err)
	}

	spawner := &failingSpawner{}
	mgr := New(st, spawner, eventbus.New(), nil, Config{
		HeartbeatTimeout: time.Second,
		MaxRetryAttempts: 1,
		RetryBaseDelay:   time.Millisecond,
		AutoRecovery:     true,
		Metrics:          metrics,
	})

	out1 := mgr.AttemptRecovery(ctx, "a3", "no heartbeat for 1 seconds")
	if out1.Success {
		t.Fatalf("expected first attempt to fail")
	}
	out2 := mgr.AttemptRecovery(ctx, "a3", "no heartbeat for 1 seconds")
	if out2.Success || out2.Error != "max attempts exceeded" {
		t.Fatalf("expected second attempt to escalate, got %+v", out2)
	}
}

package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(DefaultDBPath(dir), PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAgent_DuplicateIDFails(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateAgent(ctx, "agent-1", model.AgentTypeImplementation, nil, ""); err != nil {
		t.Fatalf("first CreateAgent: %v", err)
	}
	_, err := st.CreateAgent(ctx, "agent-1", model.AgentTypeImplementation, nil, "")
	var cv *ConstraintViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("expected ConstraintViolationError, got %v", err)
	}
}

func TestCreateAgent_WritesCreationTransition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateAgent(ctx, "agent-1", model.AgentTypeManager, nil, ""); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	history, err := st.GetAgentHistory(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("GetAgentHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(history))
	}
	if history[0].FromState != "" || history[0].ToState != string(model.AgentSpawning) {
		t.Fatalf("unexpected creation transition: %+v", history[0])
	}
}

func TestUpdateAgentState_IdleToActiveRequiresTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mustAgent(t, st, "agent-1")

	if err := st.UpdateAgentState(ctx, "agent-1", model.AgentActive, UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		t.Fatalf("Spawning->Active: %v", err)
	}
	taskID := "task-1"
	if err := st.UpdateAgentTask(ctx, "agent-1", &taskID); err != nil {
		t.Fatalf("UpdateAgentTask: %v", err)
	}
	if err := st.UpdateAgentState(ctx, "agent-1", model.AgentIdle, UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err == nil {
		t.Fatalf("expected Active->Idle to fail while task is set")
	}
	if err := st.UpdateAgentTask(ctx, "agent-1", nil); err != nil {
		t.Fatalf("clear task: %v", err)
	}
	if err := st.UpdateAgentState(ctx, "agent-1", model.AgentIdle, UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		t.Fatalf("Active->Idle after clearing task: %v", err)
	}

	err := st.UpdateAgentState(ctx, "agent-1", model.AgentActive, UpdateAgentStateOpts{Trigger: model.TriggerAutomatic})
	var it *InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError for Idle->Active without task, got %v", err)
	}
}

func TestUpdateAgentState_TerminatedIsAbsorbing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mustAgent(t, st, "agent-1")

	if err := st.UpdateAgentState(ctx, "agent-1", model.AgentTerminated, UpdateAgentStateOpts{Trigger: model.TriggerError}); err != nil {
		t.Fatalf("Spawning->Terminated: %v", err)
	}
	err := st.UpdateAgentState(ctx, "agent-1", model.AgentActive, UpdateAgentStateOpts{Trigger: model.TriggerAutomatic})
	var it *InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestHeartbeat_UpdatesLastActivityWithoutTransition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mustAgent(t, st, "agent-1")

	before, err := st.GetAgentHistory(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("GetAgentHistory: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := st.Heartbeat(ctx, "agent-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	after, err := st.GetAgentHistory(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("GetAgentHistory: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("Heartbeat must not write a transition row: before=%d after=%d", len(before), len(after))
	}
	agent, err := st.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !agent.LastActivityAt.After(agent.SpawnedAt) {
		t.Fatalf("expected last_activity_at to advance past spawned_at")
	}
}

func TestEventBusReceivesAgentTransitions(t *testing.T) {
	st := openTestStore(t)
	bus := eventbus.New()
	st.AttachEventBus(bus)
	ctx := context.Background()

	sub := bus.Subscribe("agent.")
	defer bus.Unsubscribe(sub.ID())

	if _, err := st.CreateAgent(ctx, "agent-1", model.AgentTypeImplementation, nil, ""); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Topic != eventbus.TopicAgentSpawning {
			t.Fatalf("expected %s, got %s", eventbus.TopicAgentSpawning, ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent.spawning event")
	}
}

func TestTaskMachine_BlockedCannotCompleteDirectly(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, "task-1", "phase-1", CreateTaskOpts{}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.AssignTask(ctx, "task-1", "agent-1"); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if err := st.UpdateTaskState(ctx, "task-1", model.TaskInProgress, UpdateTaskStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		t.Fatalf("Assigned->InProgress: %v", err)
	}
	if err := st.UpdateTaskState(ctx, "task-1", model.TaskBlocked, UpdateTaskStateOpts{Trigger: model.TriggerDependency}); err != nil {
		t.Fatalf("InProgress->Blocked: %v", err)
	}
	err := st.UpdateTaskState(ctx, "task-1", model.TaskCompleted, UpdateTaskStateOpts{Trigger: model.TriggerAutomatic})
	var it *InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected Blocked->Completed to be rejected, got %v", err)
	}
}

func TestTaskDependencies_RoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateTask(ctx, "task-1", "phase-1", CreateTaskOpts{}); err != nil {
		t.Fatalf("CreateTask task-1: %v", err)
	}
	if _, err := st.CreateTask(ctx, "task-2", "phase-1", CreateTaskOpts{}); err != nil {
		t.Fatalf("CreateTask task-2: %v", err)
	}
	if err := st.AddTaskDependency(ctx, "task-2", "task-1", model.DependencyRequired, nil); err != nil {
		t.Fatalf("AddTaskDependency: %v", err)
	}
	deps, err := st.GetTaskDependencies(ctx, "task-2")
	if err != nil {
		t.Fatalf("GetTaskDependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].DependsOnTaskID != "task-1" {
		t.Fatalf("unexpected dependencies: %+v", deps)
	}
}

func TestSessionCheckpoint_RoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "session-1", "project-1", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.CreateCheckpoint(ctx, model.SessionCheckpoint{
		ID:          "cp-1",
		SessionID:   "session-1",
		Description: "after phase 1",
	}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	cp, err := st.GetLatestCheckpoint(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if cp.ID != "cp-1" || cp.Description != "after phase 1" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func mustAgent(t *testing.T, st *Store, id string) {
	t.Helper()
	if _, err := st.CreateAgent(context.Background(), id, model.AgentTypeImplementation, nil, ""); err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

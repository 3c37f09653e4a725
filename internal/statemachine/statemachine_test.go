package statemachine

import (
	"errors"
	"testing"

	"github.com/apm-auto/coordinator/internal/model"
)

func TestAgentMachine_HappyPathLifecycle(t *testing.T) {
	m := NewAgentMachine()

	if err := m.CanTransition(agentCreationState, model.AgentSpawning, nil); err != nil {
		t.Fatalf("creation -> Spawning should be allowed: %v", err)
	}
	if err := m.CanTransition(model.AgentSpawning, model.AgentActive, nil); err != nil {
		t.Fatalf("Spawning -> Active should be allowed: %v", err)
	}

	taskID := "1.1"
	withTask := &AgentTransitionContext{CurrentTaskID: &taskID}
	if err := m.CanTransition(model.AgentActive, model.AgentIdle, withTask); err == nil {
		t.Fatalf("Active -> Idle with a task assigned must be rejected")
	}

	noTask := &AgentTransitionContext{}
	if err := m.CanTransition(model.AgentActive, model.AgentIdle, noTask); err != nil {
		t.Fatalf("Active -> Idle with no task should be allowed: %v", err)
	}
	if err := m.CanTransition(model.AgentIdle, model.AgentTerminated, nil); err != nil {
		t.Fatalf("Idle -> Terminated should be allowed: %v", err)
	}
}

func TestAgentMachine_IdleToActiveRequiresTask(t *testing.T) {
	m := NewAgentMachine()
	if err := m.CanTransition(model.AgentIdle, model.AgentActive, &AgentTransitionContext{}); err == nil {
		t.Fatalf("Idle -> Active with no task must be rejected")
	}
	taskID := "1.1"
	if err := m.CanTransition(model.AgentIdle, model.AgentActive, &AgentTransitionContext{CurrentTaskID: &taskID}); err != nil {
		t.Fatalf("Idle -> Active with a task should be allowed: %v", err)
	}
}

func TestAgentMachine_TerminatedIsAbsorbing(t *testing.T) {
	m := NewAgentMachine()
	var invalidErr *InvalidTransitionError[model.AgentStatus]
	err := m.CanTransition(model.AgentTerminated, model.AgentActive, nil)
	if err == nil {
		t.Fatalf("Terminated -> Active must always be rejected")
	}
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if len(invalidErr.Allowed) != 0 {
		t.Fatalf("Terminated should have zero allowed successors, got %v", invalidErr.Allowed)
	}
}

func TestAgentMachine_RecreationForbidden(t *testing.T) {
	m := NewAgentMachine()
	if err := m.CanTransition(model.AgentActive, model.AgentSpawning, nil); err == nil {
		t.Fatalf("*->Spawning after creation must be forbidden")
	}
}

func TestTaskMachine_BlockedCannotCompleteDirectly(t *testing.T) {
	m := NewTaskMachine()
	if err := m.CanTransition(model.TaskBlocked, model.TaskCompleted, nil); err == nil {
		t.Fatalf("Blocked -> Completed must be forbidden")
	}
	if err := m.CanTransition(model.TaskBlocked, model.TaskInProgress, nil); err != nil {
		t.Fatalf("Blocked -> InProgress should be allowed: %v", err)
	}
}

func TestTaskMachine_TerminalStatesAbsorbing(t *testing.T) {
	m := NewTaskMachine()
	for _, terminal := range []model.TaskStatus{model.TaskCompleted, model.TaskFailed} {
		if allowed := m.Allowed(terminal); len(allowed) != 0 {
			t.Fatalf("%s should have no successors, got %v", terminal, allowed)
		}
	}
}

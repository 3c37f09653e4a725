package template

import (
	"strings"
	"testing"
)

func TestDefaultRenderer_IncludesCoreFields(t *testing.T) {
	r, err := NewDefaultRenderer()
	if err != nil {
		t.Fatalf("NewDefaultRenderer: %v", err)
	}
	out, err := r.Render(TaskAssignment{
		TaskID:          "1.2",
		TaskTitle:       "Wire persistence",
		PhaseNumber:     1,
		PhaseTitle:      "Foundation",
		AgentAssignment: "Agent_Orchestration_Foundation",
		Objective:       "Build the SQLite-backed store.",
		Output:          "internal/persistence/storage.go",
		Dependencies:    []string{"1.1"},
		MemoryLogPath:   "./.apm/Memory/Phase_01_Foundation/Task_1_2_Persistence.md",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		"Task 1.2", "Wire persistence", "Foundation",
		"Build the SQLite-backed store.", "internal/persistence/storage.go",
		"1.1", "./.apm/Memory/Phase_01_Foundation/Task_1_2_Persistence.md",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected rendered prompt to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCustomRenderer_OverridesShape(t *testing.T) {
	r, err := NewCustomRenderer("TASK={{.TaskID}} AGENT={{.AgentAssignment}}")
	if err != nil {
		t.Fatalf("NewCustomRenderer: %v", err)
	}
	out, err := r.Render(TaskAssignment{TaskID: "2.1", AgentAssignment: "Agent_QA"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "TASK=2.1 AGENT=Agent_QA" {
		t.Fatalf("unexpected render: %q", out)
	}
}

package plan

import "testing"

const sampleDoc = `---
phase: 1-2
agents: [Agent_Orchestration_CLI]
schedule: "0 */6 * * *"
---
## Phase 1: Foundation

### Task 1.1: Build the event bus

Agent: Agent_Orchestration_CLI
Objective: Implement a typed pub/sub bus.
Output: internal/eventbus/eventbus.go

Guidance: No dependencies for this one.

### Task 1.2: Wire persistence

Agent: Agent_Orchestration_Foundation
Objective: Build the SQLite-backed store.
Output: internal/persistence/storage.go

Guidance: Depends on Task 1.1 Output by Agent_Orchestration_CLI.

## Phase 2: Recovery

### Task 2.1: Crash detection

Agent: Agent_Orchestration_Foundation
Objective: Detect stale heartbeats.
Output: internal/recovery/recovery.go

Guidance: Needs Task 1.2 Output and, optionally, Task 1.1 Output.
`

func TestParse_FrontmatterAndScope(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	scope, warnings, err := ParseScope(doc.Frontmatter)
	if err != nil {
		t.Fatalf("ParseScope: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if scope.Phase == nil || scope.Phase.Start != 1 || scope.Phase.End != 2 {
		t.Fatalf("expected phase range {1,2}, got %+v", scope.Phase)
	}

	sched, err := ParseSchedule(doc.Frontmatter)
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	if sched == nil {
		t.Fatalf("expected a schedule to be parsed")
	}
}

func TestParse_PhasesAndTasks(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(doc.Phases))
	}
	if doc.Phases[0].Number != 1 || doc.Phases[0].TotalTasks != 2 {
		t.Fatalf("unexpected phase 1: %+v", doc.Phases[0])
	}
	if doc.Phases[1].Number != 2 || doc.Phases[1].TotalTasks != 1 {
		t.Fatalf("unexpected phase 2: %+v", doc.Phases[1])
	}

	if len(doc.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(doc.Tasks))
	}

	t11 := doc.Tasks["1.1"]
	if t11 == nil {
		t.Fatalf("missing task 1.1")
	}
	if t11.AgentAssignment != "Agent_Orchestration_CLI" {
		t.Fatalf("unexpected agent for 1.1: %q", t11.AgentAssignment)
	}
	if t11.Output != "internal/eventbus/eventbus.go" {
		t.Fatalf("unexpected output for 1.1: %q", t11.Output)
	}
	if len(t11.Dependencies) != 0 {
		t.Fatalf("expected no dependencies for 1.1, got %v", t11.Dependencies)
	}

	t12 := doc.Tasks["1.2"]
	if t12 == nil {
		t.Fatalf("missing task 1.2")
	}
	if len(t12.Dependencies) != 1 || t12.Dependencies[0] != "1.1" {
		t.Fatalf("expected 1.2 to depend on 1.1, got %v", t12.Dependencies)
	}

	t21 := doc.Tasks["2.1"]
	if t21 == nil {
		t.Fatalf("missing task 2.1")
	}
	if len(t21.Dependencies) != 2 {
		t.Fatalf("expected 2.1 to mine both Task 1.2 and Task 1.1 references, got %v", t21.Dependencies)
	}
}

func TestParse_NoFrontmatterIsNotAnError(t *testing.T) {
	doc, err := Parse("## Phase 1: Only\n\n### Task 1.1: Solo\n\nAgent: Agent_X\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Frontmatter) != 0 {
		t.Fatalf("expected empty frontmatter, got %v", doc.Frontmatter)
	}
	if len(doc.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(doc.Tasks))
	}
}

func TestSortedTaskIDs(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ids := doc.SortedTaskIDs()
	want := []string{"1.1", "1.2", "2.1"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestParseSchedule_AbsentFieldReturnsNil(t *testing.T) {
	sched, err := ParseSchedule(map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched != nil {
		t.Fatalf("expected nil schedule when frontmatter omits it")
	}
}

func TestParseSchedule_InvalidExpressionIsError(t *testing.T) {
	if _, err := ParseSchedule(map[string]any{"schedule": "not a cron expr"}); err == nil {
		t.Fatalf("expected an error for a malformed cron expression")
	}
}

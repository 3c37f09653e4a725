package depgraph

import "testing"

func buildParallelWaveGraph() *Graph {
	return Build([]TaskInput{
		{ID: "1.1"},
		{ID: "1.2", Dependencies: []Edge{{DependsOn: "1.1", Kind: Required}}},
		{ID: "1.3", Dependencies: []Edge{{DependsOn: "1.1", Kind: Required}}},
		{ID: "1.4", Dependencies: []Edge{{DependsOn: "1.2", Kind: Required}, {DependsOn: "1.3", Kind: Required}}},
	})
}

func TestBuildExecutionBatches_ParallelWave(t *testing.T) {
	g := buildParallelWaveGraph()
	batches := g.BuildExecutionBatches()
	want := [][]string{{"1.1"}, {"1.2", "1.3"}, {"1.4"}}
	if !equalBatches(batches, want) {
		t.Fatalf("got %v, want %v", batches, want)
	}
}

func TestGetReadyTasks_ParallelWave(t *testing.T) {
	g := buildParallelWaveGraph()
	completed := map[string]struct{}{"1.1": {}}
	inProgress := map[string]struct{}{"1.2": {}}
	ready := g.GetReadyTasks(completed, inProgress)
	if len(ready) != 1 || ready[0] != "1.3" {
		t.Fatalf("expected [1.3], got %v", ready)
	}
}

func TestDetectCircularDependencies_ParallelWave(t *testing.T) {
	g := Build([]TaskInput{
		{ID: "1.1", Dependencies: []Edge{{DependsOn: "1.4", Kind: Required}}},
		{ID: "1.2", Dependencies: []Edge{{DependsOn: "1.1", Kind: Required}}},
		{ID: "1.3", Dependencies: []Edge{{DependsOn: "1.1", Kind: Required}}},
		{ID: "1.4", Dependencies: []Edge{{DependsOn: "1.2", Kind: Required}, {DependsOn: "1.3", Kind: Required}}},
	})

	cycles := g.DetectCircularDependencies()
	if len(cycles) == 0 {
		t.Fatalf("expected at least one cycle")
	}
	if got := g.TopologicalSort(); len(got) != 0 {
		t.Fatalf("expected TopologicalSort to return [] on cycle, got %v", got)
	}
	if got := g.BuildExecutionBatches(); got != nil {
		t.Fatalf("expected BuildExecutionBatches to return nil on cycle, got %v", got)
	}
}

func TestDanglingDependencyNeverBecomesReady(t *testing.T) {
	g := Build([]TaskInput{
		{ID: "2.1", Dependencies: []Edge{{DependsOn: "9.9", Kind: Required}}},
	})
	if g.IsTaskReady("2.1", map[string]struct{}{}) {
		t.Fatalf("task with a dangling required dependency must never be ready")
	}
	node := g.Node("2.1")
	if len(node.Dependencies) != 1 || node.Dependencies[0].DependsOn != "9.9" {
		t.Fatalf("dangling dependency should still appear in node.Dependencies")
	}
	if g.Node("9.9") != nil {
		t.Fatalf("no node should be created for a dangling dependency target")
	}
}

func TestOptionalDependencyDoesNotBlockReadiness(t *testing.T) {
	g := Build([]TaskInput{
		{ID: "3.1"},
		{ID: "3.2", Dependencies: []Edge{{DependsOn: "3.1", Kind: Optional}}},
	})
	if !g.IsTaskReady("3.2", map[string]struct{}{}) {
		t.Fatalf("optional dependency must not block readiness")
	}
}

func TestFindCrossAgentDependencies(t *testing.T) {
	g := Build([]TaskInput{
		{ID: "1.1", AgentAssignment: "Agent_A"},
		{ID: "1.2", AgentAssignment: "Agent_B", Dependencies: []Edge{{DependsOn: "1.1", Kind: Required}}},
		{ID: "1.3", AgentAssignment: "Agent_A", Dependencies: []Edge{{DependsOn: "1.1", Kind: Required}}},
	})
	cross := g.FindCrossAgentDependencies()
	if len(cross) != 1 || cross[0].TaskID != "1.2" {
		t.Fatalf("expected one cross-agent edge for 1.2, got %+v", cross)
	}
}

func equalBatches(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

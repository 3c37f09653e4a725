package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/apm-auto/coordinator/internal/model"
	"github.com/apm-auto/coordinator/internal/persistence"
)

func TestRunStatus_NoPidfileReportsNotRunning(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("APM_AUTO_DATABASE_PATH", filepath.Join(dir, "state.db"))

	if code := runStatus(context.Background(), nil); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestRunStatus_JSONCountsAgentsAndTasks(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	t.Setenv("APM_AUTO_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("APM_AUTO_DATABASE_PATH", dbPath)

	store, err := persistence.Open(dbPath, persistence.PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.CreateAgent(ctx, "agent-1", model.AgentTypeImplementation, nil, "{}"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := store.CreateTask(ctx, "1.1", "1", persistence.CreateTaskOpts{}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	store.Close()

	if code := runStatus(context.Background(), []string{"--json"}); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

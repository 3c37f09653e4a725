package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/apm-auto/coordinator/internal/config"
	"github.com/apm-auto/coordinator/internal/model"
	"github.com/apm-auto/coordinator/internal/persistence"
)

// statusReport is the JSON shape printed by `status --json`; the plain-text
// report renders the same fields.
type statusReport struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid,omitempty"`
	AgentsByType map[string]int `json:"agents_by_status"`
	TasksByType  map[string]int `json:"tasks_by_status"`
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print status as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	report := statusReport{
		AgentsByType: map[string]int{},
		TasksByType:  map[string]int{},
	}

	pidPath := pidFilePath(cfg.HomeDir)
	if pid, err := readPIDFile(pidPath); err == nil && processAlive(pid) {
		report.Running = true
		report.PID = pid
	}

	store, err := persistence.Open(cfg.ResolvedDatabasePath(), persistence.PoolConfig{}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		return 1
	}
	defer store.Close()

	agents, err := store.GetAllAgents(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading agents: %v\n", err)
		return 1
	}
	for _, a := range agents {
		report.AgentsByType[string(a.Status)]++
	}

	tasks, err := store.GetAllTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading tasks: %v\n", err)
		return 1
	}
	for _, t := range tasks {
		report.TasksByType[string(t.Status)]++
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	printStatusReport(report)
	return 0
}

func printStatusReport(r statusReport) {
	if r.Running {
		fmt.Printf("coordinator: running (pid %d)\n", r.PID)
	} else {
		fmt.Println("coordinator: not running")
	}

	fmt.Println("agents:")
	for _, s := range []model.AgentStatus{model.AgentSpawning, model.AgentActive, model.AgentWaiting, model.AgentIdle, model.AgentTerminated} {
		fmt.Printf("  %-12s %d\n", s, r.AgentsByType[string(s)])
	}

	fmt.Println("tasks:")
	for _, s := range []model.TaskStatus{model.TaskPending, model.TaskAssigned, model.TaskInProgress, model.TaskBlocked, model.TaskCompleted, model.TaskFailed} {
		fmt.Printf("  %-12s %d\n", s, r.TasksByType[string(s)])
	}
}

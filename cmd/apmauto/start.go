package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apm-auto/coordinator/internal/audit"
	"github.com/apm-auto/coordinator/internal/config"
	"github.com/apm-auto/coordinator/internal/depgraph"
	"github.com/apm-auto/coordinator/internal/doctor"
	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/orchestrator"
	"github.com/apm-auto/coordinator/internal/persistence"
	"github.com/apm-auto/coordinator/internal/plan"
)

func runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report ready tasks without spawning workers")
	planPath := fs.String("plan", "PLAN.md", "path to the plan document")
	interval := fs.Duration("interval", 5*time.Second, "tick interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	scope, err := scopeFromArgs(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	logger, closer := newLogger(cfg)
	defer closer.Close()

	pidPath := pidFilePath(cfg.HomeDir)
	if existing, err := readPIDFile(pidPath); err == nil && processAlive(existing) {
		fmt.Fprintf(os.Stderr, "coordinator already running (pid %d)\n", existing)
		return 1
	}

	doc, err := loadPlanDocument(*planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	filterDocumentToScope(doc, scope)
	if len(doc.Tasks) == 0 {
		fmt.Fprintln(os.Stderr, "scope matched no tasks in the plan")
		return 2
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit init failed", "error", err)
	}
	defer audit.Close()

	store, err := persistence.Open(cfg.ResolvedDatabasePath(), persistence.PoolConfig{}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		return 1
	}
	defer store.Close()

	bus := eventbus.NewWithLogger(logger)
	store.AttachEventBus(bus)

	if *dryRun {
		return reportReadyTasks(ctx, store, doc)
	}

	telemetryProvider, metrics, err := initTelemetry(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting telemetry: %v\n", err)
		return 1
	}
	defer telemetryProvider.Shutdown(ctx)

	orch, err := orchestrator.New(store, doc, nil, nil, nil, orchestrator.Config{
		AgentBinary: doctor.AgentBinary,
		WorkingDir:  cfg.HomeDir,
		Tracer:      telemetryProvider.Tracer,
		Metrics:     metrics,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building orchestrator: %v\n", err)
		return 1
	}

	reporter := startProgressReporter(ctx, logger, orch, store, cfg.HomeDir, metrics)
	defer reporter.Stop()

	if err := writePIDFile(pidPath, os.Getpid()); err != nil {
		logger.Warn("could not write pidfile", "error", err)
	}
	defer removePIDFile(pidPath)

	audit.Record("allow", "coordinator.start", "scope_accepted", cfg.AutonomyLevel, *planPath)

	return runTickLoop(ctx, logger, orch, *interval)
}

// buildReadyGraph mirrors orchestrator.buildGraph so a dry run can report
// the ready set without constructing a full Orchestrator (which would
// require a renderer and spawner it will never use).
func buildReadyGraph(doc *plan.Document) *depgraph.Graph {
	inputs := make([]depgraph.TaskInput, 0, len(doc.Tasks))
	for _, id := range doc.SortedTaskIDs() {
		t := doc.Tasks[id]
		edges := make([]depgraph.Edge, 0, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			edges = append(edges, depgraph.Edge{DependsOn: dep, Kind: depgraph.Required})
		}
		inputs = append(inputs, depgraph.TaskInput{
			ID:              t.TaskID,
			Phase:           strconv.Itoa(t.Phase),
			AgentAssignment: t.AgentAssignment,
			Dependencies:    edges,
		})
	}
	return depgraph.Build(inputs)
}

// reportReadyTasks prints the tasks the dependency graph currently
// considers ready, without spawning any workers or mutating state.
func reportReadyTasks(ctx context.Context, store *persistence.Store, doc *plan.Document) int {
	tasks, err := store.GetAllTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading tasks: %v\n", err)
		return 1
	}

	completed, inProgress := map[string]struct{}{}, map[string]struct{}{}
	for _, t := range tasks {
		switch t.Status {
		case "Completed":
			completed[t.ID] = struct{}{}
		case "InProgress", "Assigned":
			inProgress[t.ID] = struct{}{}
		}
	}

	ready := buildReadyGraph(doc).GetReadyTasks(completed, inProgress)
	fmt.Println("dry run: tasks ready to assign under the given scope")
	for _, id := range ready {
		fmt.Printf("  %s\n", id)
	}
	if len(ready) == 0 {
		fmt.Println("  (none)")
	}
	return 0
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/apm-auto/coordinator/internal/audit"
	"github.com/apm-auto/coordinator/internal/config"
	"github.com/apm-auto/coordinator/internal/doctor"
	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/model"
	"github.com/apm-auto/coordinator/internal/orchestrator"
	"github.com/apm-auto/coordinator/internal/persistence"
	"github.com/apm-auto/coordinator/internal/recovery"
	"github.com/apm-auto/coordinator/internal/spawn"
)

// resumeSpawner adapts spawn.SpawnWithRetry to recovery.Spawner: a crashed
// agent is respawned with a short prompt referencing its last checkpoint
// rather than the original task-assignment prompt, since the worker is
// expected to pick up from its own memory log on restart.
type resumeSpawner struct {
	workingDir string
}

func (s resumeSpawner) Respawn(ctx context.Context, agentID string, checkpoint *model.SessionCheckpoint) error {
	prompt := fmt.Sprintf("Resume as %s. Re-read your memory log under ./.apm/Memory and continue the in-progress task from where you left off.", agentID)
	_, err := spawn.SpawnWithRetry(ctx, prompt, spawn.Options{
		Binary:     doctor.AgentBinary,
		WorkingDir: s.workingDir,
	}, 3, time.Second)
	return err
}

// runResume first runs one recovery pass over any agents that were
// Active/Waiting/Spawning when the process last exited (heartbeat-stale
// by definition, since nothing has been ticking them), then falls
// through into the same tick loop runStart uses.
func runResume(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
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

	telemetryProvider, metrics, err := initTelemetry(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting telemetry: %v\n", err)
		return 1
	}
	defer telemetryProvider.Shutdown(ctx)

	recoveryMgr := recovery.New(store, resumeSpawner{workingDir: cfg.HomeDir}, bus, logger, recovery.Config{
		AutoRecovery: true,
		ProjectID:    cfg.HomeDir,
		Metrics:      metrics,
	})
	recoveryMgr.Tick(ctx)
	audit.Record("allow", "coordinator.resume", "recovery_pass_complete", cfg.AutonomyLevel, *planPath)

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

	return runTickLoop(ctx, logger, orch, *interval)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/apm-auto/coordinator/internal/config"
	"github.com/apm-auto/coordinator/internal/orchestrator"
	apmotel "github.com/apm-auto/coordinator/internal/otel"
	"github.com/apm-auto/coordinator/internal/plan"
	"github.com/apm-auto/coordinator/internal/telemetry"
)

func newLoggerFromConfig(cfg config.Config) (*slog.Logger, io.Closer, error) {
	return telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, !cfg.ConsoleOutput)
}

// newLogger wires up the structured JSON logger the rest of the module
// expects, falling back to slog.Default if the log directory can't be
// created (e.g. a read-only home during a doctor run).
func newLogger(cfg config.Config) (*slog.Logger, io.Closer) {
	logger, closer, err := newLoggerFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open log file: %v\n", err)
		return slog.Default(), nopCloser{}
	}
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// initTelemetry starts the OTel tracer/meter providers per cfg and builds
// the fixed instrument set every tick/spawn/recovery/progress call updates.
// Disabled (the default) returns working no-op providers, so the rest of
// the coordinator can call Tracer/Metrics unconditionally.
func initTelemetry(ctx context.Context, cfg config.Config) (*apmotel.Provider, *apmotel.Metrics, error) {
	provider, err := apmotel.Init(ctx, apmotel.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		ServiceName: "apm-auto",
		SampleRate:  cfg.OtelSampleRate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := apmotel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	return provider, metrics, nil
}

// scopeFromArgs parses every non-flag argument as a CLI scope token. An
// empty arg list is a valid "no restriction" scope, distinct from a
// malformed token.
func scopeFromArgs(args []string) (*plan.ScopeDefinition, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return plan.ParseCLIScope(args)
}

// loadPlanDocument reads and parses the plan document at path.
func loadPlanDocument(path string) (*plan.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	doc, err := plan.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return doc, nil
}

// filterDocumentToScope drops every task that the scope excludes. Phases
// are left untouched (phaseTitle lookups still work for a phase whose
// tasks were all filtered out) since the scope restricts task selection,
// not phase metadata.
func filterDocumentToScope(doc *plan.Document, scope *plan.ScopeDefinition) {
	if scope == nil {
		return
	}
	for id, t := range doc.Tasks {
		if !taskInScope(t, scope) {
			delete(doc.Tasks, id)
		}
	}
}

func taskInScope(t *plan.Task, scope *plan.ScopeDefinition) bool {
	if !scope.MatchesPhase(t.Phase) {
		return false
	}
	if len(scope.Tasks) > 0 && !containsString(scope.Tasks, t.TaskID) {
		return false
	}
	if !scope.MatchesAgent(t.AgentAssignment) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// runTickLoop drives the orchestrator on a fixed interval until ctx is
// cancelled (Ctrl-C / SIGTERM) or a tick reports a fatal error. Each
// assignment is logged; tick-level errors (e.g. a cycle in the plan) stop
// the loop since there is nothing a later tick could do differently.
func runTickLoop(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, interval time.Duration) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("coordinator started", "pid", os.Getpid(), "tick_interval", interval)

	for {
		assignments, err := orch.Tick(ctx)
		if err != nil {
			logger.Error("tick failed", "error", err)
			return 1
		}
		for _, a := range assignments {
			logger.Info("task assigned", "task_id", a.TaskID, "agent_id", a.AgentID, "domain", a.Domain, "pid", a.PID)
		}

		select {
		case <-ctx.Done():
			logger.Info("coordinator shutting down", "reason", ctx.Err())
			return 0
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apm-auto/coordinator/internal/model"
	"github.com/apm-auto/coordinator/internal/orchestrator"
	apmotel "github.com/apm-auto/coordinator/internal/otel"
	"github.com/apm-auto/coordinator/internal/persistence"
	"github.com/apm-auto/coordinator/internal/progress"
)

// diskProgressSource reads a task's progress-file content straight off the
// local filesystem, at the path memoryLogPath wrote it under.
type diskProgressSource struct {
	baseDir string
	paths   map[string]string
}

func (s diskProgressSource) ReadTaskProgressFile(_ context.Context, taskRef string) (string, error) {
	path, ok := s.paths[taskRef]
	if !ok {
		return "", fmt.Errorf("no known progress file for task %s", taskRef)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (s diskProgressSource) WatchedTaskRefs(_ context.Context) ([]string, error) {
	refs := make([]string, 0, len(s.paths))
	for ref := range s.paths {
		refs = append(refs, ref)
	}
	return refs, nil
}

// storeCompletionSink applies a CompletionEvent to persisted task/agent
// state: task_completed frees the agent back to Idle and marks the task
// Completed; task_partial marks the task Blocked so a later tick can
// reassign it, and frees the agent the same way.
type storeCompletionSink struct {
	store *persistence.Store
	log   *slog.Logger
}

func (s storeCompletionSink) EmitCompletion(ctx context.Context, ev progress.CompletionEvent) {
	to := model.TaskBlocked
	if ev.Kind == "task_completed" {
		to = model.TaskCompleted
	}

	// Both Completed and Blocked are only reachable from InProgress; a task
	// reported on while still Assigned (the common case, since nothing else
	// moves a task to InProgress once an agent starts on it) needs that
	// transition applied first.
	current, err := s.store.GetTask(ctx, ev.TaskRef)
	if err != nil {
		s.log.Error("progress sink: failed to read task", "task_ref", ev.TaskRef, "error", err)
		return
	}
	if current.Status == model.TaskAssigned {
		if err := s.store.UpdateTaskState(ctx, ev.TaskRef, model.TaskInProgress, persistence.UpdateTaskStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
			s.log.Error("progress sink: failed to mark task in progress", "task_ref", ev.TaskRef, "error", err)
			return
		}
	}

	if err := s.store.UpdateTaskState(ctx, ev.TaskRef, to, persistence.UpdateTaskStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		s.log.Error("progress sink: failed to update task state", "task_ref", ev.TaskRef, "error", err)
		return
	}

	if current.AssignedAgent == nil {
		return
	}
	if err := s.store.UpdateAgentTask(ctx, *current.AssignedAgent, nil); err != nil {
		s.log.Error("progress sink: failed to clear agent task", "agent_id", *current.AssignedAgent, "error", err)
		return
	}
	if err := s.store.UpdateAgentState(ctx, *current.AssignedAgent, model.AgentIdle, persistence.UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		s.log.Error("progress sink: failed to idle agent", "agent_id", *current.AssignedAgent, "error", err)
	}
}

// storeAgentRoster adapts the store's agent table to ProgressMonitor's
// AgentRoster: only agents currently carrying a task are worth watching.
type storeAgentRoster struct {
	store *persistence.Store
}

func (r storeAgentRoster) WatchedAgents(ctx context.Context) ([]progress.WatchedAgent, error) {
	agents, err := r.store.GetAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]progress.WatchedAgent, 0, len(agents))
	for _, a := range agents {
		if a.CurrentTaskID == nil {
			continue
		}
		out = append(out, progress.WatchedAgent{
			AgentID:        a.ID,
			Terminated:     a.Status == model.AgentTerminated,
			Active:         a.Status == model.AgentActive,
			LastActivityAt: a.LastActivityAt,
		})
	}
	return out, nil
}

// diskAgentProgressSource resolves an agent's current task through store and
// reads that task's progress file off source, adapting diskProgressSource's
// task-keyed reads to ProgressMonitor's agent-keyed AgentFileReader.
type diskAgentProgressSource struct {
	source diskProgressSource
	store  *persistence.Store
}

func (s diskAgentProgressSource) ReadProgressFile(ctx context.Context, agentID string) (string, time.Time, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", time.Time{}, err
	}
	if agent.CurrentTaskID == nil {
		return "", time.Time{}, nil
	}
	content, err := s.source.ReadTaskProgressFile(ctx, *agent.CurrentTaskID)
	if err != nil {
		return "", time.Time{}, err
	}
	return content, agent.LastActivityAt, nil
}

// storeBlockerSink logs every classified blocker and counts it against the
// same escalation metric crash-recovery escalations feed.
type storeBlockerSink struct {
	log     *slog.Logger
	metrics *apmotel.Metrics
}

func (s storeBlockerSink) EmitBlocked(ctx context.Context, b progress.Blocker) {
	s.log.Warn("task blocked", "task_ref", b.TaskRef, "category", b.Category, "severity", b.Severity, "bullet", b.Bullet)
	if s.metrics != nil {
		s.metrics.RecoveryEscalated.Add(ctx, 1)
	}
}

// progressWatchers bundles the three derived progress consumers so callers
// can start and stop them together.
type progressWatchers struct {
	Reporter  *progress.Reporter
	Monitor   *progress.Monitor
	Escalator *progress.Escalator
}

func (w *progressWatchers) Stop() {
	w.Reporter.Stop()
	w.Monitor.Stop()
	w.Escalator.Stop()
}

// startProgressReporter builds and starts the progress-file derived
// consumers watching every task in orch's plan document: a CompletionReporter
// reporting completions into store and handover pressure into metrics, a
// ProgressMonitor polling for stalls and completion estimates, and an
// ErrorEscalator classifying and logging blockers. Callers must call Stop()
// on shutdown.
func startProgressReporter(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, store *persistence.Store, homeDir string, metrics *apmotel.Metrics) *progressWatchers {
	source := diskProgressSource{baseDir: homeDir, paths: orch.MemoryLogPaths()}
	sink := storeCompletionSink{store: store, log: logger}
	detector := progress.NewDetector(progress.HandoverConfig{})

	reporter := progress.NewReporter(source, sink, logger, progress.ReporterConfig{}, detector, metrics)
	reporter.Start(ctx)

	monitor := progress.NewMonitor(storeAgentRoster{store: store}, diskAgentProgressSource{source: source, store: store}, logger, progress.MonitorConfig{})
	monitor.Start(ctx)

	escalator := progress.NewEscalator(source, storeBlockerSink{log: logger, metrics: metrics}, logger, progress.EscalatorConfig{})
	escalator.Start(ctx)

	return &progressWatchers{Reporter: reporter, Monitor: monitor, Escalator: escalator}
}

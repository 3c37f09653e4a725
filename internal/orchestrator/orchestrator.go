// Package orchestrator runs the tick loop that turns a parsed plan and the
// persisted agent/task state into live worker processes: it refreshes the
// ready set from the dependency graph, resolves which domain a ready task
// needs, picks an available agent for that domain, renders a task-assignment
// prompt, persists the assignment, and spawns the worker.
//
// Structured around an Execute/executeWave wave-iteration shape,
// generalized from one-shot static DAG waves into a repeatable, live
// ready-queue tick driven by persisted agent and task state rather than
// an in-memory waiter.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/apm-auto/coordinator/internal/depgraph"
	"github.com/apm-auto/coordinator/internal/model"
	apmotel "github.com/apm-auto/coordinator/internal/otel"
	"github.com/apm-auto/coordinator/internal/persistence"
	"github.com/apm-auto/coordinator/internal/plan"
	"github.com/apm-auto/coordinator/internal/progress"
	"github.com/apm-auto/coordinator/internal/shared"
	"github.com/apm-auto/coordinator/internal/spawn"
	"github.com/apm-auto/coordinator/internal/template"
)

// ProgressWriter abstracts initial progress-file creation so the tick loop
// can be tested without touching disk.
type ProgressWriter interface {
	WriteFile(path, content string) error
}

// fileProgressWriter creates the progress file (and its parent directories)
// on the local filesystem, rooted under baseDir.
type fileProgressWriter struct {
	baseDir string
}

func (w fileProgressWriter) WriteFile(path, content string) error {
	full := filepath.Join(w.baseDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

// domainOrder lists every AgentDomain in the order checked by
// domainForAssignment: earlier entries win when an assignment string
// contains more than one domain name as a substring (e.g. "Communication"
// is checked before "CLI" so "Agent_Orchestration_Communication_CLI"
// still resolves, though plans in practice name one domain per agent).
var domainOrder = []model.AgentDomain{
	model.DomainCommunication,
	model.DomainFoundation,
	model.DomainAutomation,
	model.DomainParallel,
	model.DomainMonitoring,
	model.DomainSession,
	model.DomainConfig,
	model.DomainDocs,
	model.DomainQA,
	model.DomainCLI,
	model.DomainGeneral,
}

// domainForAssignment resolves the AgentDomain a plan's "Agent_<Name>"
// assignment string requires by matching each known domain name as a
// substring of the assignment, case-insensitively. Plans name agents after
// the domain they specialise in (Agent_Orchestration_CLI, Agent_QA,
// Agent_Communication, ...), so this recovers the fixed assignment-to-domain
// table without requiring plans to spell the domain out separately.
func domainForAssignment(agentAssignment string) model.AgentDomain {
	upper := strings.ToUpper(agentAssignment)
	for _, d := range domainOrder {
		if d == model.DomainGeneral {
			continue
		}
		if strings.Contains(upper, strings.ToUpper(string(d))) {
			return d
		}
	}
	return model.DomainGeneral
}

var nonSlugChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

func slugify(s string) string {
	slug := nonSlugChars.ReplaceAllString(strings.TrimSpace(s), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "Untitled"
	}
	return slug
}

// memoryLogPath computes the convention-driven progress file path for a
// task: ./.apm/Memory/Phase_<NN>_<Title>/Task_<P>_<T>_<Slug>.md
func memoryLogPath(phaseNumber int, phaseTitle, taskID, taskTitle string) string {
	parts := strings.SplitN(taskID, ".", 2)
	p, t := parts[0], ""
	if len(parts) == 2 {
		t = parts[1]
	}
	return fmt.Sprintf("./.apm/Memory/Phase_%02d_%s/Task_%s_%s_%s.md",
		phaseNumber, slugify(phaseTitle), p, t, slugify(taskTitle))
}

// agentPriority ranks an agent's current status for selection: lower is
// preferred. Idle agents are picked first, then Active (already working but
// not excluded), then Waiting, Spawning, Terminated last.
func agentPriority(status model.AgentStatus) int {
	switch status {
	case model.AgentIdle:
		return 0
	case model.AgentActive:
		return 1
	case model.AgentWaiting:
		return 2
	case model.AgentSpawning:
		return 3
	case model.AgentTerminated:
		return 4
	default:
		return 5
	}
}

// Config holds tick-loop parameters.
type Config struct {
	AgentBinary  string
	WorkingDir   string
	SpawnTimeout time.Duration
	ExcludeBusy  bool // when true, Active agents already holding a task are not selected

	// Tracer and Metrics are optional OTel instrumentation; a nil Tracer
	// traces with a no-op tracer and a nil Metrics skips counter/gauge
	// updates, so callers that don't care about telemetry pass neither.
	Tracer  trace.Tracer
	Metrics *apmotel.Metrics
}

func (c Config) withDefaults() Config {
	if c.AgentBinary == "" {
		c.AgentBinary = "claude"
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 5 * time.Minute
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(apmotel.TracerName)
	}
	return c
}

// Spawner abstracts worker process creation so the tick loop can be tested
// without launching real processes.
type Spawner interface {
	Spawn(ctx context.Context, prompt string, opts spawn.Options) (spawn.Result, error)
}

type defaultSpawner struct{}

func (defaultSpawner) Spawn(ctx context.Context, prompt string, opts spawn.Options) (spawn.Result, error) {
	return spawn.SpawnWithRetry(ctx, prompt, opts, 3, time.Second)
}

// Assignment is the outcome of one ready task being matched to one agent and
// spawned, returned by Tick for logging and testing.
type Assignment struct {
	TaskID        string
	AgentID       string
	Domain        model.AgentDomain
	MemoryLogPath string
	PID           int
}

// Orchestrator ties the dependency graph, persisted state, prompt renderer,
// and worker spawner together into a repeatable tick.
type Orchestrator struct {
	store    *persistence.Store
	doc      *plan.Document
	renderer template.Renderer
	spawner  Spawner
	writer   ProgressWriter
	cfg      Config
	log      *slog.Logger

	lastReadyDepth int64
}

// New builds an Orchestrator. renderer defaults to template.NewDefaultRenderer
// if nil; spawner defaults to spawn.SpawnWithRetry if nil; writer defaults to
// writing under cfg.WorkingDir if nil.
func New(store *persistence.Store, doc *plan.Document, renderer template.Renderer, spawner Spawner, writer ProgressWriter, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if renderer == nil {
		r, err := template.NewDefaultRenderer()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: default renderer: %w", err)
		}
		renderer = r
	}
	if spawner == nil {
		spawner = defaultSpawner{}
	}
	if writer == nil {
		writer = fileProgressWriter{baseDir: cfg.WorkingDir}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		doc:      doc,
		renderer: renderer,
		spawner:  spawner,
		writer:   writer,
		cfg:      cfg.withDefaults(),
		log:      log,
	}, nil
}

// buildGraph assembles a depgraph.Graph from the orchestrator's plan
// document, mapping dependency strings onto required edges (the plan parser
// does not currently distinguish optional edges, so every mined dependency
// is required).
func (o *Orchestrator) buildGraph() *depgraph.Graph {
	inputs := make([]depgraph.TaskInput, 0, len(o.doc.Tasks))
	for _, id := range o.doc.SortedTaskIDs() {
		t := o.doc.Tasks[id]
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

// MemoryLogPaths returns the progress-file path every task in the plan
// document will be written to, keyed by task ID. Used to point a
// progress.Reporter at the same files Tick/assign writes.
func (o *Orchestrator) MemoryLogPaths() map[string]string {
	paths := make(map[string]string, len(o.doc.Tasks))
	for id, t := range o.doc.Tasks {
		paths[id] = memoryLogPath(t.Phase, o.phaseTitle(t.Phase), t.TaskID, t.Title)
	}
	return paths
}

// phaseTitle looks up a phase's title by number, falling back to a numeric
// placeholder if the plan never named it.
func (o *Orchestrator) phaseTitle(number int) string {
	for _, p := range o.doc.Phases {
		if p.Number == number {
			return p.Title
		}
	}
	return fmt.Sprintf("Phase %d", number)
}

// Tick runs one iteration of the orchestration loop: it refreshes the ready
// set from the persisted task table, resolves each ready task's domain,
// selects the best available agent, renders the assignment prompt, persists
// the assignment, writes the initial progress file, and spawns the worker.
//
// Tasks for which no suitable agent is currently available are skipped and
// retried on the next tick; this is not an error.
func (o *Orchestrator) Tick(ctx context.Context) ([]Assignment, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := apmotel.StartSpan(ctx, o.cfg.Tracer, "orchestrator.tick")
	defer span.End()

	log := o.log.With("trace_id", shared.TraceID(ctx))

	graph := o.buildGraph()

	completed, inProgress, err := o.taskStateSets(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("orchestrator: load task state: %w", err)
	}

	ready := graph.GetReadyTasks(completed, inProgress)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ReadyQueueDepth.Add(ctx, int64(len(ready))-o.lastReadyDepth)
		o.lastReadyDepth = int64(len(ready))
	}
	if len(ready) == 0 {
		return nil, nil
	}

	agents, err := o.store.GetAllAgents(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("orchestrator: load agents: %w", err)
	}

	var assignments []Assignment
	for _, taskID := range ready {
		planTask, ok := o.doc.Tasks[taskID]
		if !ok {
			continue
		}
		domain := domainForAssignment(planTask.AgentAssignment)

		agent, ok := selectAgent(agents, domain, o.cfg.ExcludeBusy)
		if !ok {
			log.Info("no available agent for ready task", "task_id", taskID, "domain", domain)
			continue
		}

		assignment, err := o.assign(ctx, planTask, agent, domain)
		if err != nil {
			log.Error("failed to assign task", "task_id", taskID, "agent_id", agent.ID, "error", err)
			continue
		}
		assignments = append(assignments, assignment)

		// Remove the agent from further consideration this tick so two ready
		// tasks don't race for the same idle agent.
		agents = removeAgent(agents, agent.ID)
	}

	return assignments, nil
}

func (o *Orchestrator) taskStateSets(ctx context.Context) (completed, inProgress map[string]struct{}, err error) {
	completed = make(map[string]struct{})
	inProgress = make(map[string]struct{})

	completedTasks, err := o.store.GetTasksByStatus(ctx, model.TaskCompleted)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range completedTasks {
		completed[t.ID] = struct{}{}
	}

	for _, status := range []model.TaskStatus{model.TaskAssigned, model.TaskInProgress, model.TaskBlocked} {
		tasks, err := o.store.GetTasksByStatus(ctx, status)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range tasks {
			inProgress[t.ID] = struct{}{}
		}
	}
	return completed, inProgress, nil
}

// selectAgent finds the best available Implementation agent for domain:
// type=Implementation, matching domain, not Terminated or Spawning, and
// (when excludeBusy) idle-or-active-without-task. Priority is
// Idle > Active > Waiting > Spawning > Terminated, ties broken by earliest
// spawn time.
func selectAgent(agents []model.Agent, domain model.AgentDomain, excludeBusy bool) (model.Agent, bool) {
	var candidates []model.Agent
	for _, a := range agents {
		if a.Type != model.AgentTypeImplementation {
			continue
		}
		if a.Domain == nil || *a.Domain != domain {
			continue
		}
		if a.Status == model.AgentTerminated || a.Status == model.AgentSpawning {
			continue
		}
		if excludeBusy && a.CurrentTaskID != nil {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return model.Agent{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := agentPriority(candidates[i].Status), agentPriority(candidates[j].Status)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].SpawnedAt.Before(candidates[j].SpawnedAt)
	})
	return candidates[0], true
}

func removeAgent(agents []model.Agent, id string) []model.Agent {
	out := make([]model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// assign renders the task-assignment prompt, persists Task: Pending->
// Assigned and Agent.current_task, initialises the progress file, and
// spawns the worker process.
func (o *Orchestrator) assign(ctx context.Context, t *plan.Task, agent model.Agent, domain model.AgentDomain) (Assignment, error) {
	logPath := memoryLogPath(t.Phase, o.phaseTitle(t.Phase), t.TaskID, t.Title)

	prompt, err := o.renderer.Render(template.TaskAssignment{
		TaskID:          t.TaskID,
		TaskTitle:       t.Title,
		PhaseNumber:     t.Phase,
		PhaseTitle:      o.phaseTitle(t.Phase),
		AgentAssignment: t.AgentAssignment,
		Objective:       t.Objective,
		Output:          t.Output,
		Guidance:        t.Guidance,
		Dependencies:    t.Dependencies,
		MemoryLogPath:   logPath,
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("render prompt: %w", err)
	}

	if err := o.store.AssignTask(ctx, t.TaskID, agent.ID); err != nil {
		return Assignment{}, fmt.Errorf("assign task: %w", err)
	}
	taskID := t.TaskID
	if err := o.store.UpdateAgentTask(ctx, agent.ID, &taskID); err != nil {
		return Assignment{}, fmt.Errorf("update agent task: %w", err)
	}

	initial, err := progress.RenderInitial(progress.Header{
		Agent:   t.AgentAssignment,
		TaskRef: t.TaskID,
		Status:  progress.StatusInProgress,
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("render initial progress file: %w", err)
	}
	if err := o.writer.WriteFile(logPath, initial); err != nil {
		return Assignment{}, fmt.Errorf("write initial progress file: %w", err)
	}

	spawnCtx, spawnSpan := apmotel.StartClientSpan(ctx, o.cfg.Tracer, "orchestrator.spawn",
		apmotel.AttrTaskID.String(t.TaskID), apmotel.AttrAgentID.String(agent.ID), apmotel.AttrDomain.String(string(domain)))
	spawnStart := time.Now()
	res, err := o.spawner.Spawn(spawnCtx, prompt, spawn.Options{
		Binary:     o.cfg.AgentBinary,
		WorkingDir: o.cfg.WorkingDir,
		Timeout:    o.cfg.SpawnTimeout,
	})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.SpawnDuration.Record(ctx, time.Since(spawnStart).Seconds())
	}
	if err != nil {
		spawnSpan.RecordError(err)
		spawnSpan.SetStatus(codes.Error, err.Error())
		spawnSpan.End()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.SpawnFailures.Add(ctx, 1)
		}
		return Assignment{}, fmt.Errorf("spawn worker: %w", err)
	}
	spawnSpan.SetAttributes(apmotel.AttrSpawnPID.Int(res.PID))
	spawnSpan.End()

	pid := res.PID
	if err := o.store.UpdateAgentState(ctx, agent.ID, model.AgentActive, persistence.UpdateAgentStateOpts{Trigger: model.TriggerAutomatic}); err != nil {
		o.log.Warn("post-spawn agent state update failed", "agent_id", agent.ID, "trace_id", shared.TraceID(ctx), "error", err)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveAgents.Add(ctx, 1)
	}

	return Assignment{
		TaskID:        t.TaskID,
		AgentID:       agent.ID,
		Domain:        domain,
		MemoryLogPath: logPath,
		PID:           pid,
	}, nil
}

package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apmotel "github.com/apm-auto/coordinator/internal/otel"
)

// CompletionEvent is the payload emitted for task_completed/task_partial.
type CompletionEvent struct {
	TaskRef             string
	AgentID             string
	Kind                string // "task_completed" or "task_partial"
	Summary             string
	Details             string
	Output              string
	Issues              string
	NextSteps           string
	AdHocDelegation     bool
	CompatibilityIssues bool
	ImportantFindings   bool
}

// Sink receives completion/partial events. The orchestrator's eventbus
// publisher satisfies this.
type Sink interface {
	EmitCompletion(ctx context.Context, ev CompletionEvent)
}

// FileSource reads one task's current progress file content, keyed by
// task ref rather than agent id (CompletionReporter watches tasks, not
// agents, so a task can be reassigned across agents without losing its
// detection state).
type FileSource interface {
	ReadTaskProgressFile(ctx context.Context, taskRef string) (content string, err error)
	WatchedTaskRefs(ctx context.Context) ([]string, error)
}

// ReporterConfig configures CompletionReporter. Zero PollInterval takes
// a 5s default.
type ReporterConfig struct {
	PollInterval time.Duration
}

func (c ReporterConfig) withDefaults() ReporterConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Reporter polls every watched task's progress file and emits a
// completion/partial event the first time status flips to Completed or
// Partial. Auto-detection then stops for that task (one emission each).
type Reporter struct {
	source   FileSource
	sink     Sink
	logger   *slog.Logger
	cfg      ReporterConfig
	detector *Detector
	metrics  *apmotel.Metrics

	mu               sync.Mutex
	reported         map[string]bool
	handoverReported map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter builds a Reporter. detector and metrics are optional: a nil
// detector skips handover detection entirely, and a nil metrics skips
// instrument updates.
func NewReporter(source FileSource, sink Sink, logger *slog.Logger, cfg ReporterConfig, detector *Detector, metrics *apmotel.Metrics) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		source:           source,
		sink:             sink,
		logger:           logger,
		cfg:              cfg.withDefaults(),
		detector:         detector,
		metrics:          metrics,
		reported:         make(map[string]bool),
		handoverReported: make(map[string]bool),
	}
}

func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one poll pass, returning every event it emitted this pass.
func (r *Reporter) Tick(ctx context.Context) []CompletionEvent {
	refs, err := r.source.WatchedTaskRefs(ctx)
	if err != nil {
		r.logger.Error("completion reporter: failed to list task refs", "error", err)
		return nil
	}
	var emitted []CompletionEvent
	for _, ref := range refs {
		ev, ok := r.Detect(ctx, ref)
		if ok {
			emitted = append(emitted, ev)
		}
	}
	return emitted
}

// Detect reads one task's progress file and, on first detection of
// status=Completed or status=Partial, emits the corresponding event and
// returns (event, true). Subsequent calls for an already-reported task ref
// return (zero, false) without re-reading, matching the "stops on
// first detection per task" rule.
func (r *Reporter) Detect(ctx context.Context, taskRef string) (CompletionEvent, bool) {
	r.mu.Lock()
	if r.reported[taskRef] {
		r.mu.Unlock()
		return CompletionEvent{}, false
	}
	r.mu.Unlock()

	content, err := r.source.ReadTaskProgressFile(ctx, taskRef)
	if err != nil || content == "" {
		return CompletionEvent{}, false
	}
	doc, err := Parse(content)
	if err != nil {
		return CompletionEvent{}, false
	}

	r.checkHandover(ctx, taskRef, doc.Header.Agent, content)

	var kind string
	switch doc.Header.Status {
	case StatusCompleted:
		kind = "task_completed"
	case StatusPartial:
		kind = "task_partial"
	default:
		return CompletionEvent{}, false
	}

	ev := CompletionEvent{
		TaskRef:             taskRef,
		AgentID:             doc.Header.Agent,
		Kind:                kind,
		Summary:             doc.trimmedSection("Summary"),
		Details:             doc.trimmedSection("Details"),
		Output:              doc.trimmedSection("Output"),
		Issues:              doc.trimmedSection("Issues"),
		NextSteps:           doc.trimmedSection("Next Steps"),
		AdHocDelegation:     doc.Header.AdHocDelegation,
		CompatibilityIssues: doc.Header.CompatibilityIssues,
		ImportantFindings:   doc.Header.ImportantFindings,
	}

	r.mu.Lock()
	r.reported[taskRef] = true
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.EmitCompletion(ctx, ev)
	}
	if r.metrics != nil {
		r.metrics.ProgressEvents.Add(ctx, 1)
	}
	return ev, true
}

// checkHandover assesses content for context-window pressure and, the first
// time a given taskRef crosses into HandoverNeeded, records a HandoverEntry
// against the detector and bumps the handover-triggered counter. Repeat
// calls for an already-triggered taskRef are no-ops, matching Detect's
// once-per-task reporting discipline.
func (r *Reporter) checkHandover(ctx context.Context, taskRef, agentID, content string) {
	if r.detector == nil {
		return
	}
	r.mu.Lock()
	if r.handoverReported[taskRef] {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	assessment := r.detector.Assess(content)
	if assessment.State != HandoverNeeded {
		return
	}

	r.mu.Lock()
	r.handoverReported[taskRef] = true
	r.mu.Unlock()

	r.detector.Record(HandoverEntry{
		FromAgentID: agentID,
		DetectedAt:  time.Now(),
		Triggers:    assessment.MatchedMarkers,
		State:       assessment.State,
	})
	if r.metrics != nil {
		r.metrics.HandoversTriggered.Add(ctx, 1)
	}
	r.logger.Warn("completion reporter: handover threshold crossed", "task_ref", taskRef, "agent_id", agentID, "usage_percent", assessment.UsagePercent)
}

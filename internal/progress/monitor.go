package progress

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TaskProgress is the ProgressMonitor's derived assessment of one agent's
// task, combining the agent's own terminal state with indicator patterns
// scanned out of its progress file.
type TaskProgress string

const (
	ProgressNotStarted TaskProgress = "NotStarted"
	ProgressInProgress TaskProgress = "InProgress"
	ProgressCompleted  TaskProgress = "Completed"
	ProgressFailed     TaskProgress = "Failed"
)

// AgentFileReader reads an agent's progress file content and its last
// modification time. Returning os.ErrNotExist-wrapping errors is fine;
// the monitor treats a missing file as NotStarted.
type AgentFileReader interface {
	ReadProgressFile(ctx context.Context, agentID string) (content string, mtime time.Time, err error)
}

// AgentRoster supplies the set of agents the monitor should watch and
// their current status/last-activity timestamp.
type AgentRoster interface {
	WatchedAgents(ctx context.Context) ([]WatchedAgent, error)
}

// WatchedAgent is the minimal agent shape ProgressMonitor needs.
type WatchedAgent struct {
	AgentID        string
	Terminated     bool
	Active         bool
	LastActivityAt time.Time
}

// MonitorConfig configures ProgressMonitor. Zero StallThreshold takes the
// spec's 5-minute default.
type MonitorConfig struct {
	StallThreshold time.Duration
	PollInterval   time.Duration // default 5m, matching StallThreshold's spec default
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.StallThreshold <= 0 {
		c.StallThreshold = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	return c
}

// AgentAssessment is ProgressMonitor's per-agent result for one pass.
type AgentAssessment struct {
	AgentID           string
	Progress          TaskProgress
	Stalled           bool
	CompletionPercent int
	DetectedPatterns  DetectedPatterns
}

// Monitor polls every watched agent's progress file on a ticker, deriving
// TaskProgress, stall state, and a bounded completion-percentage heuristic.
// Uses the same ticker-goroutine tick loop as the other pollers in this package.
type Monitor struct {
	roster AgentRoster
	files  AgentFileReader
	logger *slog.Logger
	cfg    MonitorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewMonitor(roster AgentRoster, files AgentFileReader, logger *slog.Logger, cfg MonitorConfig) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{roster: roster, files: files, logger: logger, cfg: cfg.withDefaults(), now: time.Now}
}

func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				m.logger.Error("progress monitor: tick failed", "error", err)
			}
		}
	}
}

// Tick runs one monitor pass synchronously and returns every agent's
// assessment. Exported so tests and the orchestrator can drive it without
// a real ticker.
func (m *Monitor) Tick(ctx context.Context) ([]AgentAssessment, error) {
	agents, err := m.roster.WatchedAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentAssessment, 0, len(agents))
	for _, a := range agents {
		out = append(out, m.assess(ctx, a))
	}
	return out, nil
}

func (m *Monitor) assess(ctx context.Context, a WatchedAgent) AgentAssessment {
	content, mtime, err := m.files.ReadProgressFile(ctx, a.AgentID)
	assessment := AgentAssessment{AgentID: a.AgentID}

	if err != nil || content == "" {
		assessment.Progress = ProgressNotStarted
		return assessment
	}

	dp := detectPatterns(content)
	assessment.DetectedPatterns = dp
	hasErrors := len(dp.ErrorIndicators) > 0
	hasBlockers := len(dp.BlockerIndicators) > 0
	hasCompletionMarker := len(dp.CompletionMarkers) > 0

	switch {
	case a.Terminated:
		if hasCompletionMarker {
			assessment.Progress = ProgressCompleted
		} else {
			assessment.Progress = ProgressFailed
		}
	case hasErrors || hasBlockers:
		assessment.Progress = ProgressFailed
	case hasCompletionMarker:
		assessment.Progress = ProgressCompleted
	case strings.TrimSpace(content) != "":
		assessment.Progress = ProgressInProgress
	default:
		assessment.Progress = ProgressNotStarted
	}

	assessment.Stalled = a.Active && !a.Terminated && m.now().Sub(a.LastActivityAt) > m.cfg.StallThreshold

	pct := 0
	if strings.TrimSpace(content) != "" {
		pct += 30
	}
	if strings.Count(content, "\n") > 50 {
		pct += 20
	}
	if !hasErrors && !hasBlockers {
		pct += 25
	}
	if hasCompletionMarker {
		pct += 25
	}
	if pct > 100 {
		pct = 100
	}
	assessment.CompletionPercent = pct
	_ = mtime

	return assessment
}

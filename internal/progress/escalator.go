package progress

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// BlockerCategory classifies an Issues bullet under status Blocked/Error.
type BlockerCategory string

const (
	CategoryExternalDependency    BlockerCategory = "ExternalDependency"
	CategoryAmbiguousRequirements BlockerCategory = "AmbiguousRequirements"
	CategoryTestFailures          BlockerCategory = "TestFailures"
	CategoryResourceConstraints   BlockerCategory = "ResourceConstraints"
	CategoryDesignDecision        BlockerCategory = "DesignDecision"
	CategoryUnknown               BlockerCategory = "Unknown"
)

// Severity is the escalation severity attached to a classified blocker.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// classifier is one pattern-priority rule: the first matching rule wins.
type classifier struct {
	category BlockerCategory
	severity Severity
	pattern  *regexp.Regexp
}

// classifiers are tried in order; CategoryExternalDependency's pattern
// captures the blocking task id in group 1.
var classifiers = []classifier{
	{CategoryExternalDependency, SeverityHigh, regexp.MustCompile(`(?i)blocked by task\s+([\d.]+)`)},
	{CategoryExternalDependency, SeverityHigh, regexp.MustCompile(`(?i)waiting (?:for|on) task\s+([\d.]+)`)},
	{CategoryTestFailures, SeverityHigh, regexp.MustCompile(`(?i)test.*fail|failing test`)},
	{CategoryResourceConstraints, SeverityMedium, regexp.MustCompile(`(?i)out of memory|disk space|rate limit|quota`)},
	{CategoryAmbiguousRequirements, SeverityMedium, regexp.MustCompile(`(?i)unclear|ambiguous|needs clarification`)},
	{CategoryDesignDecision, SeverityLow, regexp.MustCompile(`(?i)design decision|needs (?:a )?decision|architecture choice`)},
}

// Blocker is one classified Issues bullet.
type Blocker struct {
	TaskRef            string
	Bullet             string
	Category           BlockerCategory
	Severity           Severity
	BlockingDependency string // only set for CategoryExternalDependency
}

// Classify applies the pattern-priority rules to one Issues bullet;
// Unknown/Low is the fallback when nothing matches.
func Classify(bullet string) (BlockerCategory, Severity, string) {
	for _, c := range classifiers {
		if m := c.pattern.FindStringSubmatch(bullet); m != nil {
			dep := ""
			if len(m) > 1 {
				dep = m[1]
			}
			return c.category, c.severity, dep
		}
	}
	return CategoryUnknown, SeverityLow, ""
}

// EscalatorSink receives task_blocked events.
type EscalatorSink interface {
	EmitBlocked(ctx context.Context, b Blocker)
}

// EscalatorConfig configures ErrorEscalator. Zero PollInterval takes the
// spec's 10s default.
type EscalatorConfig struct {
	PollInterval time.Duration
}

func (c EscalatorConfig) withDefaults() EscalatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// Escalator watches every task with status Blocked or Error and emits a
// classified task_blocked event per Issues bullet.
type Escalator struct {
	source FileSource
	sink   EscalatorSink
	logger *slog.Logger
	cfg    EscalatorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEscalator(source FileSource, sink EscalatorSink, logger *slog.Logger, cfg EscalatorConfig) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{source: source, sink: sink, logger: logger, cfg: cfg.withDefaults()}
}

func (e *Escalator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
}

func (e *Escalator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Escalator) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one poll pass over every watched task and returns every
// blocker it classified this pass.
func (e *Escalator) Tick(ctx context.Context) []Blocker {
	refs, err := e.source.WatchedTaskRefs(ctx)
	if err != nil {
		e.logger.Error("error escalator: failed to list task refs", "error", err)
		return nil
	}
	var out []Blocker
	for _, ref := range refs {
		out = append(out, e.Classify(ctx, ref)...)
	}
	return out
}

// Classify reads one task's progress file and, if its header status is
// Blocked or Error, classifies every Issues bullet and emits a
// task_blocked event per bullet.
func (e *Escalator) Classify(ctx context.Context, taskRef string) []Blocker {
	content, err := e.source.ReadTaskProgressFile(ctx, taskRef)
	if err != nil || content == "" {
		return nil
	}
	doc, err := Parse(content)
	if err != nil {
		return nil
	}
	if doc.Header.Status != StatusBlocked && doc.Header.Status != StatusError {
		return nil
	}

	var out []Blocker
	for _, line := range strings.Split(doc.Sections["Issues"], "\n") {
		bullet := strings.TrimSpace(line)
		if bullet == "" || !strings.HasPrefix(bullet, "-") {
			continue
		}
		category, severity, dep := Classify(bullet)
		b := Blocker{
			TaskRef:            taskRef,
			Bullet:             bullet,
			Category:           category,
			Severity:           severity,
			BlockingDependency: dep,
		}
		out = append(out, b)
		if e.sink != nil {
			e.sink.EmitBlocked(ctx, b)
		}
	}
	return out
}

// ResolveBlocker rewrites content's header status to InProgress and
// appends "Resolved: <reason>" to the Issues section, leaving every other
// section byte-identical to its prior contents.
func ResolveBlocker(content, reason string) (string, error) {
	rewritten, err := RewriteHeaderStatus(content, StatusInProgress)
	if err != nil {
		return "", err
	}
	return AppendToSection(rewritten, "Issues", "Resolved: "+reason)
}

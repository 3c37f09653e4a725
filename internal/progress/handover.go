package progress

import (
	"math"
	"regexp"
	"sync"
	"time"
)

// HandoverState is HandoverDetector's assessment of one agent's
// context-window pressure.
type HandoverState string

const (
	HandoverNone    HandoverState = "None"
	HandoverWarning HandoverState = "Warning"
	HandoverNeeded  HandoverState = "Needed"
)

var handoverMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[APM_HANDOVER_NEEDED\]`),
	regexp.MustCompile(`\[APM_HANDOVER\]`),
	regexp.MustCompile(`(?i)context window.*approaching`),
	regexp.MustCompile(`(?i)handover.*needed`),
	regexp.MustCompile(`(?i)requesting.*handover`),
}

// HandoverConfig configures HandoverDetector. Zero values take the
// standard defaults: warning 80%, handover 90%, max log 50 KiB, 4 chars per
// token, 200000-token context window.
type HandoverConfig struct {
	WarningThreshold    float64
	HandoverThreshold   float64
	MaxLogBytes         int64
	CharsPerToken       float64
	ContextWindowTokens int
}

func (c HandoverConfig) withDefaults() HandoverConfig {
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 80
	}
	if c.HandoverThreshold <= 0 {
		c.HandoverThreshold = 90
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = 50 * 1024
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.ContextWindowTokens <= 0 {
		c.ContextWindowTokens = 200000
	}
	return c
}

// HandoverAssessment is the result of one HandoverDetector evaluation.
type HandoverAssessment struct {
	State          HandoverState
	UsagePercent   float64
	MatchedMarkers []string
	Recommendation string
}

// HandoverEntry records one in-progress or completed handover.
type HandoverEntry struct {
	FromAgentID string
	ToAgentID   string // empty until a receiving agent is assigned
	DetectedAt  time.Time
	CompletedAt *time.Time
	Triggers    []string
	State       HandoverState
}

// Detector estimates context-window usage from progress-file size and
// scans for explicit handover markers. It also keeps an in-memory history
// of every handover it has recorded, per-agent, across its lifetime.
type Detector struct {
	cfg HandoverConfig

	mu      sync.Mutex
	history []HandoverEntry
}

func NewDetector(cfg HandoverConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Record appends a HandoverEntry to the detector's history.
func (d *Detector) Record(entry HandoverEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, entry)
}

// History returns a snapshot of every handover recorded so far.
func (d *Detector) History() []HandoverEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HandoverEntry, len(d.history))
	copy(out, d.history)
	return out
}

// Assess evaluates one progress file's content.
func (d *Detector) Assess(content string) HandoverAssessment {
	usage := d.usagePercent(int64(len(content)))

	var matched []string
	for _, re := range handoverMarkerPatterns {
		if re.MatchString(content) {
			matched = append(matched, re.String())
		}
	}

	state := HandoverNone
	switch {
	case len(matched) > 0, int64(len(content)) >= d.cfg.MaxLogBytes, usage >= d.cfg.HandoverThreshold:
		state = HandoverNeeded
	case usage >= d.cfg.WarningThreshold:
		state = HandoverWarning
	}

	rec := ""
	switch state {
	case HandoverNeeded:
		rec = "context window usage critical: initiate handover to a fresh agent"
	case HandoverWarning:
		rec = "context window usage elevated: prepare a handover summary"
	}

	return HandoverAssessment{
		State:          state,
		UsagePercent:   usage,
		MatchedMarkers: matched,
		Recommendation: rec,
	}
}

func (d *Detector) usagePercent(sizeBytes int64) float64 {
	tokens := math.Ceil(float64(sizeBytes) / d.cfg.CharsPerToken)
	pct := tokens / float64(d.cfg.ContextWindowTokens) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

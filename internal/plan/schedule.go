package plan

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is an optional recurring trigger for a plan document, read from
// a frontmatter "schedule" field such as "0 */6 * * *" (every six hours).
// A plan with no schedule field runs once, on demand.
type Schedule struct {
	Expr string
	spec cronlib.Schedule
}

// ParseSchedule reads the optional "schedule" frontmatter field. A missing
// field returns (nil, nil): the plan has no recurring trigger.
func ParseSchedule(frontmatter map[string]any) (*Schedule, error) {
	raw, ok := frontmatter["schedule"]
	if !ok {
		return nil, nil
	}
	expr, ok := raw.(string)
	if !ok {
		return nil, &ScopeError{Field: "schedule", Message: fmt.Sprintf("must be a cron expression string, got %T", raw)}
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("plan: invalid schedule expression %q: %w", expr, err)
	}
	return &Schedule{Expr: expr, spec: spec}, nil
}

// NextRun returns the next fire time strictly after `after`.
func (s *Schedule) NextRun(after time.Time) time.Time {
	return s.spec.Next(after)
}

// Due reports whether the schedule has a fire time in (lastRun, now].
func (s *Schedule) Due(lastRun, now time.Time) bool {
	next := s.spec.Next(lastRun)
	return !next.After(now)
}

package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PhaseRange is an inclusive phase number range, e.g. "2-4" -> {2,4}.
// A single phase "N" is represented as {N,N}.
type PhaseRange struct {
	Start int
	End   int
}

// Contains reports whether n falls within the inclusive range.
func (r PhaseRange) Contains(n int) bool {
	return n >= r.Start && n <= r.End
}

// ScopeDefinition restricts a plan run to a phase range, an explicit task
// id set, a set of agent-name filters (patterns, wildcard '*' allowed
// anywhere), and free-form tags. A nil field imposes no restriction on
// that dimension.
type ScopeDefinition struct {
	Phase  *PhaseRange
	Tasks  []string
	Agents []string
	Tags   []string

	// accumulateAgents switches MatchesAgent from "any pattern matches"
	// (the default, used for a freshly parsed scope) to "every pattern
	// must match" — set by Intersect, whose agent filters accumulate
	// rather than merge.
	accumulateAgents bool
}

// ScopeError is a structured validation error for one frontmatter field.
type ScopeError struct {
	Field   string
	Message string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope: field %q: %s", e.Field, e.Message)
}

// ParseScope reads the recognised scope fields out of a frontmatter map.
// Unknown fields are collected as warnings, not errors; a malformed
// recognised field produces a *ScopeError.
func ParseScope(frontmatter map[string]any) (*ScopeDefinition, []string, error) {
	scope := &ScopeDefinition{}
	var warnings []string

	known := map[string]struct{}{"phase": {}, "tasks": {}, "agents": {}, "tags": {}}
	for key := range frontmatter {
		if _, ok := known[key]; !ok {
			warnings = append(warnings, fmt.Sprintf("unknown scope field %q", key))
		}
	}

	if raw, ok := frontmatter["phase"]; ok {
		pr, err := parsePhaseField(raw)
		if err != nil {
			return nil, warnings, err
		}
		scope.Phase = pr
	}
	if raw, ok := frontmatter["tasks"]; ok {
		tasks, err := parseStringListField("tasks", raw)
		if err != nil {
			return nil, warnings, err
		}
		scope.Tasks = normalizeTaskIDs(tasks)
	}
	if raw, ok := frontmatter["agents"]; ok {
		agents, err := parseStringListField("agents", raw)
		if err != nil {
			return nil, warnings, err
		}
		scope.Agents = agents
	}
	if raw, ok := frontmatter["tags"]; ok {
		tags, err := parseStringListField("tags", raw)
		if err != nil {
			return nil, warnings, err
		}
		scope.Tags = tags
	}

	return scope, warnings, nil
}

func parsePhaseField(raw any) (*PhaseRange, error) {
	s, ok := raw.(string)
	if !ok {
		if n, ok := raw.(int); ok {
			return &PhaseRange{Start: n, End: n}, nil
		}
		return nil, &ScopeError{Field: "phase", Message: "must be a string like \"N\" or \"N-M\""}
	}
	s = strings.TrimSpace(s)
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil || start > end {
			return nil, &ScopeError{Field: "phase", Message: fmt.Sprintf("invalid range %q", s)}
		}
		return &PhaseRange{Start: start, End: end}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, &ScopeError{Field: "phase", Message: fmt.Sprintf("invalid phase %q", s)}
	}
	return &PhaseRange{Start: n, End: n}, nil
}

// parseStringListField accepts either a single string or a YAML sequence
// (already decoded as []any by yaml.v3) for list-shaped scope fields.
func parseStringListField(field string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &ScopeError{Field: field, Message: fmt.Sprintf("list entries must be strings, got %T", item)}
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return v, nil
	default:
		return nil, &ScopeError{Field: field, Message: fmt.Sprintf("must be a string or list of strings, got %T", raw)}
	}
}

func normalizeTaskIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strings.TrimSpace(id)
	}
	return out
}

var taskIDPattern = regexp.MustCompile(`^\d+\.\d+$`)

// ParseCLIScope parses the command-line scope grammar:
// "phase:N", "phase:N-M", "task:P.T[,P.T]*", "agent:<pattern>" (wildcard
// '*' allowed). Multiple tokens intersect (each further narrows the
// selection, e.g. "phase:2-4 agent:Agent_QA*" means phase 2-4 tasks
// assigned to a QA-matching agent). An empty token list or a malformed
// token returns an error whose text names the expected forms, suitable
// for printing directly back to the user.
func ParseCLIScope(tokens []string) (*ScopeDefinition, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no scope given; expected one or more of phase:N, phase:N-M, task:P.T[,P.T...], agent:<pattern>")
	}
	var out *ScopeDefinition
	for _, tok := range tokens {
		parsed, err := parseCLIScopeToken(tok)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = parsed
			continue
		}
		out = out.Intersect(parsed)
	}
	return out, nil
}

func parseCLIScopeToken(tok string) (*ScopeDefinition, error) {
	kind, val, ok := strings.Cut(tok, ":")
	if !ok || val == "" {
		return nil, fmt.Errorf("invalid scope %q; expected phase:N, phase:N-M, task:P.T[,P.T...], or agent:<pattern>", tok)
	}
	switch kind {
	case "phase":
		pr, err := parsePhaseField(val)
		if err != nil {
			return nil, fmt.Errorf("invalid scope %q: expected phase:N or phase:N-M", tok)
		}
		return &ScopeDefinition{Phase: pr}, nil
	case "task":
		ids := strings.Split(val, ",")
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
			if !taskIDPattern.MatchString(ids[i]) {
				return nil, fmt.Errorf("invalid scope %q: task ids must look like P.T (e.g. task:1.2,1.3)", tok)
			}
		}
		return &ScopeDefinition{Tasks: ids}, nil
	case "agent":
		return &ScopeDefinition{Agents: []string{val}}, nil
	default:
		return nil, fmt.Errorf("invalid scope %q: unknown kind %q; expected phase, task, or agent", tok, kind)
	}
}

// WildcardToRegexp converts a '*'-wildcard pattern into a regular
// expression: '*' becomes '.*', every other regex metacharacter is
// escaped. The result is unanchored, so "Orchestration*" matches any
// agent name containing "Orchestration" as a substring (e.g.
// "Agent_Orchestration_CLI"), not just names that begin with it.
func WildcardToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	return regexp.Compile(b.String())
}

// MatchesAgent reports whether agentName satisfies the scope's agent
// filters. For a plain (union-only or freshly parsed) scope, any one
// pattern matching is enough. For a scope produced by Intersect, every
// accumulated pattern must match.
func (s *ScopeDefinition) MatchesAgent(agentName string) bool {
	if len(s.Agents) == 0 {
		return true
	}
	if s.accumulateAgents {
		return s.matchesAllAgentFilters(agentName)
	}
	for _, pattern := range s.Agents {
		re, err := WildcardToRegexp(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(agentName) {
			return true
		}
	}
	return false
}

func (s *ScopeDefinition) matchesAllAgentFilters(agentName string) bool {
	for _, pattern := range s.Agents {
		re, err := WildcardToRegexp(pattern)
		if err != nil {
			return false
		}
		if !re.MatchString(agentName) {
			return false
		}
	}
	return true
}

// MatchesPhase reports whether a phase number is in scope.
func (s *ScopeDefinition) MatchesPhase(phase int) bool {
	if s.Phase == nil {
		return true
	}
	return s.Phase.Contains(phase)
}

// Union widens this scope with other: phase ranges widen to their
// combined span, task/tag lists merge as a set, and agent filter sets
// merge on union (a task matches if it satisfies either scope's agent
// filter).
func (s *ScopeDefinition) Union(other *ScopeDefinition) *ScopeDefinition {
	out := &ScopeDefinition{}
	out.Phase = unionPhase(s.Phase, other.Phase)
	out.Tasks = unionStrings(s.Tasks, other.Tasks)
	out.Tags = unionStrings(s.Tags, other.Tags)
	out.Agents = unionStrings(s.Agents, other.Agents)
	return out
}

// Intersect narrows this scope with other: phase ranges overlap, task/tag
// lists intersect as a set, and agent filter sets **accumulate** — the
// result keeps every pattern from both sides, and MatchesAgent requires
// every accumulated pattern to match (see matchesAllAgentFilters).
func (s *ScopeDefinition) Intersect(other *ScopeDefinition) *ScopeDefinition {
	out := &ScopeDefinition{accumulateAgents: true}
	out.Phase = intersectPhase(s.Phase, other.Phase)
	out.Tasks = intersectStrings(s.Tasks, other.Tasks)
	out.Tags = intersectStrings(s.Tags, other.Tags)
	out.Agents = append(append([]string(nil), s.Agents...), other.Agents...)
	return out
}

func unionPhase(a, b *PhaseRange) *PhaseRange {
	if a == nil || b == nil {
		return nil // no restriction wins over any restriction in a union
	}
	start, end := a.Start, a.End
	if b.Start < start {
		start = b.Start
	}
	if b.End > end {
		end = b.End
	}
	return &PhaseRange{Start: start, End: end}
}

func intersectPhase(a, b *PhaseRange) *PhaseRange {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	start, end := a.Start, b.Start
	if a.Start > b.Start {
		start = a.Start
	}
	end = a.End
	if b.End < end {
		end = b.End
	}
	if start > end {
		return &PhaseRange{Start: start, End: start - 1} // empty range, deliberately unsatisfiable
	}
	return &PhaseRange{Start: start, End: end}
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func intersectStrings(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

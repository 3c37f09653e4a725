// Package plan parses a plan document (a text file with a YAML
// frontmatter header) into phases and tasks, mines
// free-form guidance for dependency references, and implements the scope
// filter grammar used to select a subset of a plan for one run. Grounded
// on a Plan/PlanStep shape with a gopkg.in/yaml.v3 frontmatter header.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/apm-auto/coordinator/internal/model"
)

// Phase is one numbered section of a plan document.
type Phase struct {
	Number     int
	Title      string
	TotalTasks int
}

// Task is one parsed unit of work, keyed by its "P.T" id.
type Task struct {
	TaskID          string
	Title           string
	Phase           int
	AgentAssignment string
	Dependencies    []string
	Objective       string
	Output          string
	Guidance        string
	FullContent     string
}

// Document is a fully parsed plan: its frontmatter-derived scope
// defaults, its phases, and its tasks keyed by "P.T".
type Document struct {
	Frontmatter map[string]any
	Phases      []Phase
	Tasks       map[string]*Task
}

var (
	phaseHeadingRe = regexp.MustCompile(`(?m)^##\s*Phase\s+(\d+)\s*:\s*(.+?)\s*$`)
	taskHeadingRe  = regexp.MustCompile(`(?m)^###\s*Task\s+([\d]+\.[\d]+)\s*:\s*(.+?)\s*$`)
	agentLineRe    = regexp.MustCompile(`(?mi)^\s*Agent:\s*(\S+)\s*$`)
	objectiveRe    = regexp.MustCompile(`(?mi)^\s*Objective:\s*(.+)$`)
	outputLineRe   = regexp.MustCompile(`(?mi)^\s*Output:\s*(.+)$`)
	guidanceRe     = regexp.MustCompile(`(?mis)^\s*Guidance:\s*(.+?)(?:\n###|\n##|\z)`)

	// dependencyRe mines "Task P.T Output [by Agent_X]" references from
	// free-form guidance text.
	dependencyRe = regexp.MustCompile(`(?i)Task\s+([\d.]+)\s+Output(?:\s+by\s+(Agent_\w+))?`)
)

// Parse splits off the YAML frontmatter (delimited by "---" lines) and
// parses the remaining body into phases and tasks.
func Parse(content string) (*Document, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("plan: parse frontmatter: %w", err)
	}

	doc := &Document{
		Frontmatter: frontmatter,
		Tasks:       make(map[string]*Task),
	}

	phaseMatches := phaseHeadingRe.FindAllStringSubmatchIndex(body, -1)
	for i, m := range phaseMatches {
		num, _ := strconv.Atoi(body[m[2]:m[3]])
		title := strings.TrimSpace(body[m[4]:m[5]])
		end := len(body)
		if i+1 < len(phaseMatches) {
			end = phaseMatches[i+1][0]
		}
		section := body[m[1]:end]
		taskIDs := taskHeadingRe.FindAllStringSubmatch(section, -1)
		doc.Phases = append(doc.Phases, Phase{Number: num, Title: title, TotalTasks: len(taskIDs)})
	}

	taskMatches := taskHeadingRe.FindAllStringSubmatchIndex(body, -1)
	for i, m := range taskMatches {
		taskID := body[m[2]:m[3]]
		title := strings.TrimSpace(body[m[4]:m[5]])
		end := len(body)
		if i+1 < len(taskMatches) {
			end = taskMatches[i+1][0]
		}
		section := body[m[1]:end]

		phaseNum := 0
		if parts := strings.SplitN(taskID, ".", 2); len(parts) == 2 {
			phaseNum, _ = strconv.Atoi(parts[0])
		}

		t := &Task{
			TaskID:      taskID,
			Title:       title,
			Phase:       phaseNum,
			FullContent: strings.TrimSpace(section),
		}
		if am := agentLineRe.FindStringSubmatch(section); am != nil {
			t.AgentAssignment = am[1]
		}
		if om := objectiveRe.FindStringSubmatch(section); om != nil {
			t.Objective = strings.TrimSpace(om[1])
		}
		if outm := outputLineRe.FindStringSubmatch(section); outm != nil {
			t.Output = strings.TrimSpace(outm[1])
		}
		if gm := guidanceRe.FindStringSubmatch(section); gm != nil {
			t.Guidance = strings.TrimSpace(gm[1])
		}
		t.Dependencies = mineDependencies(section)

		doc.Tasks[taskID] = t
	}

	return doc, nil
}

// mineDependencies extracts and deduplicates "Task P.T Output [by
// Agent_X]" references from free text.
func mineDependencies(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range dependencyRe.FindAllStringSubmatch(text, -1) {
		ref := m[1]
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

var (
	frontmatterValidator     *model.Validator
	frontmatterValidatorOnce sync.Once
	frontmatterValidatorErr  error
)

func getFrontmatterValidator() (*model.Validator, error) {
	frontmatterValidatorOnce.Do(func() {
		frontmatterValidator, frontmatterValidatorErr = model.NewDefaultValidator()
	})
	return frontmatterValidator, frontmatterValidatorErr
}

// splitFrontmatter splits a leading "---\n...\n---\n" YAML block from the
// rest of the document. A document with no frontmatter delimiter returns
// an empty map and the content unchanged. A present frontmatter block is
// checked against the plan frontmatter schema before ParseScope ever sees
// it, so a malformed "phase"/"tasks"/"agents"/"tags" shape is rejected at
// the same boundary regardless of which field-level parser would have
// caught it.
func splitFrontmatter(content string) (map[string]any, string, error) {
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, "---") {
		return map[string]any{}, content, nil
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return map[string]any{}, content, nil
	}
	raw := rest[:idx]
	afterMarker := rest[idx+len("\n---"):]
	// Consume the rest of the closing delimiter's line.
	if nl := strings.IndexByte(afterMarker, '\n'); nl >= 0 {
		afterMarker = afterMarker[nl+1:]
	} else {
		afterMarker = ""
	}

	var fm map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, "", err
	}
	if fm == nil {
		fm = map[string]any{}
	}

	asJSON, err := json.Marshal(fm)
	if err != nil {
		return nil, "", fmt.Errorf("re-marshal frontmatter as JSON: %w", err)
	}
	validator, err := getFrontmatterValidator()
	if err != nil {
		return nil, "", fmt.Errorf("build frontmatter schema validator: %w", err)
	}
	if err := validator.ValidateJSON("plan.frontmatter", string(asJSON)); err != nil {
		return nil, "", fmt.Errorf("frontmatter failed schema validation: %w", err)
	}

	return fm, afterMarker, nil
}

// SortedTaskIDs returns every task id in the document, sorted
// lexicographically (good enough for "P.T" ids since phase/task numbers
// rarely exceed one digit in practice; callers needing strict numeric
// ordering should sort Phases/Tasks directly).
func (d *Document) SortedTaskIDs() []string {
	ids := make([]string, 0, len(d.Tasks))
	for id := range d.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package progress parses, validates, and round-trips per-task progress
// files: a YAML header followed by a fixed set of markdown
// sections, plus three derived consumers (ProgressMonitor, CompletionReporter,
// ErrorEscalator) and a HandoverDetector. The file-change side uses
// fsnotify with a debounce, the three consumers share a poll-ticker
// shape, and section rewrites use reload-on-change style plumbing.
package progress

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/apm-auto/coordinator/internal/model"
)

// Status is the progress file header's reported task status.
type Status string

const (
	StatusCompleted  Status = "Completed"
	StatusPartial    Status = "Partial"
	StatusBlocked    Status = "Blocked"
	StatusError      Status = "Error"
	StatusInProgress Status = "InProgress"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusBlocked, StatusError, StatusInProgress:
		return true
	}
	return false
}

// Header is the YAML frontmatter of a progress file.
type Header struct {
	Agent               string `yaml:"agent"`
	TaskRef             string `yaml:"task_ref"`
	Status              Status `yaml:"status"`
	AdHocDelegation     bool   `yaml:"ad_hoc_delegation"`
	CompatibilityIssues bool   `yaml:"compatibility_issues"`
	ImportantFindings   bool   `yaml:"important_findings"`
}

// requiredSections are present in every progress file.
var requiredSections = []string{"Summary", "Details", "Output", "Issues", "Next Steps"}

// conditionalSections map a header flag to the section it gates.
var conditionalSections = map[string]string{
	"Compatibility Concerns":  "CompatibilityIssues",
	"Ad-Hoc Agent Delegation": "AdHocDelegation",
	"Important Findings":      "ImportantFindings",
}

// Document is a parsed progress file: its header and its section bodies
// keyed by heading text (without the leading "## "), plus the section
// order and trailing raw bytes needed to round-trip unrelated content
// byte-for-byte.
type Document struct {
	Header   Header
	Sections map[string]string
	order    []string
	raw      string // the full source, for round-tripping
}

var sectionHeadingRe = regexp.MustCompile(`(?m)^##\s+(.+?)\s*$`)

// Parse splits a progress file into its YAML header and markdown sections.
func Parse(content string) (*Document, error) {
	header, body, err := splitHeader(content)
	if err != nil {
		return nil, fmt.Errorf("progress: parse header: %w", err)
	}

	doc := &Document{
		Header:   header,
		Sections: make(map[string]string),
		raw:      content,
	}

	matches := sectionHeadingRe.FindAllStringSubmatchIndex(body, -1)
	for i, m := range matches {
		name := strings.TrimSpace(body[m[2]:m[3]])
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sectionBody := body[m[1]:end]
		doc.Sections[name] = sectionBody
		doc.order = append(doc.order, name)
	}

	return doc, nil
}

var (
	headerValidator     *model.Validator
	headerValidatorOnce sync.Once
	headerValidatorErr  error
)

func getHeaderValidator() (*model.Validator, error) {
	headerValidatorOnce.Do(func() {
		headerValidator, headerValidatorErr = model.NewDefaultValidator()
	})
	return headerValidator, headerValidatorErr
}

func splitHeader(content string) (Header, string, error) {
	var h Header
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, "---") {
		return h, content, nil
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return h, content, nil
	}
	raw := rest[:idx]
	afterMarker := rest[idx+len("\n---"):]
	if nl := strings.IndexByte(afterMarker, '\n'); nl >= 0 {
		afterMarker = afterMarker[nl+1:]
	} else {
		afterMarker = ""
	}

	var generic map[string]any
	if err := yaml.Unmarshal([]byte(raw), &generic); err != nil {
		return h, "", err
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return h, "", fmt.Errorf("re-marshal header as JSON: %w", err)
	}
	validator, err := getHeaderValidator()
	if err != nil {
		return h, "", fmt.Errorf("build header schema validator: %w", err)
	}
	if err := validator.ValidateJSON("progress.header", string(asJSON)); err != nil {
		return h, "", fmt.Errorf("header failed schema validation: %w", err)
	}

	if err := yaml.Unmarshal([]byte(raw), &h); err != nil {
		return h, "", err
	}
	return h, afterMarker, nil
}

// RenderInitial builds the starting content for a freshly assigned task's
// progress file: the YAML header followed by every required section as an
// empty heading, ready for the worker to fill in as it works.
func RenderInitial(h Header) (string, error) {
	out, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("progress: marshal header: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(out)
	b.WriteString("---\n")
	for _, name := range requiredSections {
		b.WriteString("## ")
		b.WriteString(name)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// SectionSet returns the set of section names present in the document, for
// the round-trip invariant (same header dict and section set after a
// write-then-reparse cycle).
func (d *Document) SectionSet() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Sections))
	for name := range d.Sections {
		out[name] = struct{}{}
	}
	return out
}

// trimmedSection returns the section body with surrounding blank lines
// stripped, for content checks that shouldn't care about whitespace.
func (d *Document) trimmedSection(name string) string {
	return strings.TrimSpace(d.Sections[name])
}

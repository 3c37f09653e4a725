package progress

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[to be filled upon completion\]`),
	regexp.MustCompile(`(?i)\[work performed…?\]`),
	regexp.MustCompile(`(?i)\[file paths…?\]`),
}

var testResultRe = regexp.MustCompile(`(?i)(pass rate|coverage|tests? pass|\d+\s*/\s*\d+\s*(tests|passed))`)

// completionMarkerPatterns, errorIndicatorPatterns, and blockerIndicatorPatterns
// are the exact indicator regex families, shared by the
// validator and ProgressMonitor.
var completionMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`✓`),
	regexp.MustCompile(`✅`),
	regexp.MustCompile(`(?i)\[x\]`),
	regexp.MustCompile(`(?i)COMPLETE[D]?`),
	regexp.MustCompile(`(?i)status:\s*completed`),
	regexp.MustCompile(`(?i)Task.*Complete`),
}

var errorIndicatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ERROR`),
	regexp.MustCompile(`(?i)FAILED`),
	regexp.MustCompile(`(?i)Exception`),
	regexp.MustCompile(`(?i)Error:`),
	regexp.MustCompile(`(?i)test.*fail`),
}

var blockerIndicatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)BLOCKED`),
	regexp.MustCompile(`(?i)blocked by`),
	regexp.MustCompile(`(?i)waiting for`),
	regexp.MustCompile(`(?i)cannot proceed`),
	regexp.MustCompile(`(?i)dependency.*incomplete`),
}

// DetectedPatterns is the set of indicator hits found while validating a
// document's content.
type DetectedPatterns struct {
	CompletionMarkers []string
	ErrorIndicators    []string
	BlockerIndicators  []string
}

// ValidationResult is the outcome of validating one progress document.
type ValidationResult struct {
	Errors           []string
	Warnings         []string
	DetectedPatterns DetectedPatterns
}

// OK reports whether the document has no validation errors (warnings do
// not fail validation).
func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// Validate checks header field validity, required/conditional section
// presence, and status=Completed completion criteria, and scans all
// section bodies for completion/error/blocker indicators.
func Validate(doc *Document) ValidationResult {
	var result ValidationResult

	if strings.TrimSpace(doc.Header.Agent) == "" {
		result.Errors = append(result.Errors, "header: agent is required")
	}
	if strings.TrimSpace(doc.Header.TaskRef) == "" {
		result.Errors = append(result.Errors, "header: task_ref is required")
	}
	if !doc.Header.Status.Valid() {
		result.Errors = append(result.Errors, fmt.Sprintf("header: invalid status %q", doc.Header.Status))
	}

	for _, name := range requiredSections {
		if _, ok := doc.Sections[name]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("missing required section %q", name))
		}
	}
	for heading, flagName := range conditionalSections {
		required := conditionalFlagSet(doc.Header, flagName)
		_, present := doc.Sections[heading]
		if required && !present {
			result.Errors = append(result.Errors, fmt.Sprintf("missing conditional section %q (flag set)", heading))
		}
		if !required && present {
			result.Warnings = append(result.Warnings, fmt.Sprintf("section %q present but its flag is false", heading))
		}
	}

	if doc.Header.Status == StatusCompleted {
		validateCompletionCriteria(doc, &result)
	}

	fullText := doc.raw
	result.DetectedPatterns = detectPatterns(fullText)

	return result
}

func conditionalFlagSet(h Header, flagName string) bool {
	switch flagName {
	case "AdHocDelegation":
		return h.AdHocDelegation
	case "CompatibilityIssues":
		return h.CompatibilityIssues
	case "ImportantFindings":
		return h.ImportantFindings
	}
	return false
}

func validateCompletionCriteria(doc *Document, result *ValidationResult) {
	for _, name := range []string{"Summary", "Details", "Output"} {
		body := doc.trimmedSection(name)
		if body == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("status=Completed requires non-empty %q", name))
			continue
		}
		for _, re := range placeholderRe {
			if re.MatchString(body) {
				result.Errors = append(result.Errors, fmt.Sprintf("section %q still contains placeholder text", name))
				break
			}
		}
	}
	if output := doc.trimmedSection("Output"); output != "" && !testResultRe.MatchString(output) {
		result.Warnings = append(result.Warnings, "Output does not mention test results (pass rate / coverage)")
	}
}

func detectPatterns(text string) DetectedPatterns {
	var dp DetectedPatterns
	for _, re := range completionMarkerPatterns {
		if m := re.FindString(text); m != "" {
			dp.CompletionMarkers = append(dp.CompletionMarkers, re.String())
		}
	}
	for _, re := range errorIndicatorPatterns {
		if m := re.FindString(text); m != "" {
			dp.ErrorIndicators = append(dp.ErrorIndicators, re.String())
		}
	}
	for _, re := range blockerIndicatorPatterns {
		if m := re.FindString(text); m != "" {
			dp.BlockerIndicators = append(dp.BlockerIndicators, re.String())
		}
	}
	return dp
}

package progress

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RewriteSection replaces exactly one section's body in the original
// source text, leaving the header and every other section byte-identical.
// The replacement's trailing blank lines are normalized to match however
// many trailing blank lines the original section body had (zero stays
// zero; the rewrite never introduces blank lines the source didn't have),
// per the decision recorded for the round-trip invariant.
func RewriteSection(content, sectionName, newBody string) (string, error) {
	_, body, err := splitHeader(content)
	if err != nil {
		return "", fmt.Errorf("progress: rewrite: %w", err)
	}
	headerLen := len(content) - len(body)
	headerText := content[:headerLen]

	matches := sectionHeadingRe.FindAllStringSubmatchIndex(body, -1)
	for i, m := range matches {
		name := strings.TrimSpace(body[m[2]:m[3]])
		if name != sectionName {
			continue
		}
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		oldSection := body[m[1]:end]
		trailing := trailingBlankLines(oldSection)
		replacement := strings.TrimRight(newBody, "\n") + trailing
		return headerText + body[:m[1]] + replacement + body[end:], nil
	}
	return "", fmt.Errorf("progress: rewrite: section %q not found", sectionName)
}

// trailingBlankLines returns the trailing run of "\n" characters exactly
// as they appear at the end of s (i.e. the blank-line whitespace after
// the section's last non-blank content).
func trailingBlankLines(s string) string {
	trimmed := strings.TrimRight(s, "\n")
	return s[len(trimmed):]
}

// RewriteHeaderStatus rewrites only the header's status field, leaving
// every other header field and the entire body byte-identical.
func RewriteHeaderStatus(content string, newStatus Status) (string, error) {
	header, body, err := splitHeader(content)
	if err != nil {
		return "", fmt.Errorf("progress: rewrite header: %w", err)
	}
	if !strings.HasPrefix(strings.TrimLeft(content, "\n"), "---") {
		return "", fmt.Errorf("progress: rewrite header: no YAML header found")
	}
	header.Status = newStatus
	out, err := yaml.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("progress: rewrite header: %w", err)
	}
	return "---\n" + string(out) + "---\n" + body, nil
}

// AppendToSection appends a line to the end of a section's existing
// content (used by ErrorEscalator.ResolveBlocker to append "Resolved:
// <reason>" to Issues), preserving the section's other content verbatim.
func AppendToSection(content, sectionName, line string) (string, error) {
	doc, err := Parse(content)
	if err != nil {
		return "", err
	}
	existing := strings.TrimRight(doc.Sections[sectionName], "\n")
	var newBody string
	if strings.TrimSpace(existing) == "" {
		newBody = line
	} else {
		newBody = existing + "\n" + line
	}
	return RewriteSection(content, sectionName, newBody)
}

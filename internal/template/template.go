// Package template renders task-assignment prompts from plan task
// metadata, generalized from flat placeholder substitution into a
// text/template-backed renderer with a typed input struct.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// TaskAssignment is the data a rendered prompt is built from.
type TaskAssignment struct {
	TaskID          string
	TaskTitle       string
	PhaseNumber     int
	PhaseTitle      string
	AgentAssignment string
	Objective       string
	Output          string
	Guidance        string
	Dependencies    []string
	MemoryLogPath   string
}

// Renderer turns a TaskAssignment into the opaque prompt text handed to a
// spawned worker.
type Renderer interface {
	Render(ta TaskAssignment) (string, error)
}

const defaultTemplateText = `You are {{.AgentAssignment}}, assigned to Task {{.TaskID}}: {{.TaskTitle}}.

Phase {{.PhaseNumber}}: {{.PhaseTitle}}

Objective:
{{.Objective}}

Expected output:
{{.Output}}
{{if .Dependencies}}
Depends on completed output from: {{join .Dependencies ", "}}
{{end}}{{if .Guidance}}
Guidance:
{{.Guidance}}
{{end}}
Record your progress in {{.MemoryLogPath}} following the required header
and section format. Update it as you work.
`

// DefaultRenderer renders prompts with the standard task-assignment
// template using text/template, treating
// prompt text as an opaque, server-rendered bundle.
type DefaultRenderer struct {
	tmpl *template.Template
}

// NewDefaultRenderer compiles the built-in template once.
func NewDefaultRenderer() (*DefaultRenderer, error) {
	tmpl, err := template.New("task-assignment").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(defaultTemplateText)
	if err != nil {
		return nil, fmt.Errorf("template: compile default: %w", err)
	}
	return &DefaultRenderer{tmpl: tmpl}, nil
}

// Render executes the compiled template against one task assignment.
func (r *DefaultRenderer) Render(ta TaskAssignment) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, ta); err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return buf.String(), nil
}

// CustomRenderer parses a caller-supplied template string, for plans that
// override the default task-assignment prompt shape.
type CustomRenderer struct {
	tmpl *template.Template
}

// NewCustomRenderer compiles text as a task-assignment template.
func NewCustomRenderer(text string) (*CustomRenderer, error) {
	tmpl, err := template.New("custom-task-assignment").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template: compile custom: %w", err)
	}
	return &CustomRenderer{tmpl: tmpl}, nil
}

func (r *CustomRenderer) Render(ta TaskAssignment) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, ta); err != nil {
		return "", fmt.Errorf("template: render custom: %w", err)
	}
	return buf.String(), nil
}

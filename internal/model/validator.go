package model

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError describes a single failed field in a runtime boundary
// check — storage round-trip, plan parsing, or external input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a structured list of ValidationError, satisfying error.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Validator compiles and caches JSON Schemas for the metadata_json blob of
// every entity kind, plus the progress-file header and plan frontmatter
// schemas, and validates incoming records against the same enumerations
// every boundary in the system relies on.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the fixed set of schemas this system validates
// against. namedSchemas maps a schema name (e.g. "agent.metadata",
// "progress.header", "plan.frontmatter") to its raw JSON Schema document.
func NewValidator(namedSchemas map[string]string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(namedSchemas))}
	for name, raw := range namedSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %q: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resourceName := name + ".json"
		if err := c.AddResource(resourceName, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %q: %w", name, err)
		}
		schema, err := c.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// ValidateJSON validates a raw JSON document against the named schema.
func (v *Validator) ValidateJSON(schemaName, raw string) error {
	schema, ok := v.schemas[schemaName]
	if !ok {
		return fmt.Errorf("no schema registered for %q", schemaName)
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return ValidationErrors{{Field: schemaName, Message: "invalid JSON: " + err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		return ValidationErrors{{Field: schemaName, Message: err.Error()}}
	}
	return nil
}

// DefaultMetadataSchema is the permissive open-object schema applied to
// every entity's metadata_json column: any object is allowed, but the value
// must be a JSON object, not a bare scalar or array, per the "JSON
// blobs carry open-ended metadata".
const DefaultMetadataSchema = `{"type": "object"}`

// ProgressHeaderSchema validates the YAML-turned-JSON header of a progress
// file against its fixed field set.
const ProgressHeaderSchema = `{
  "type": "object",
  "required": ["agent", "task_ref", "status"],
  "properties": {
    "agent": {"type": "string", "minLength": 1},
    "task_ref": {"type": "string", "minLength": 1},
    "status": {"enum": ["Completed", "Partial", "Blocked", "Error", "InProgress"]},
    "ad_hoc_delegation": {"type": "boolean"},
    "compatibility_issues": {"type": "boolean"},
    "important_findings": {"type": "boolean"}
  }
}`

// PlanFrontmatterSchema validates the scope frontmatter block of a plan
// document against its recognised fields. Unknown fields are
// intentionally allowed through (additionalProperties true): unknown
// fields should warn, not fail, so schema rejection would be too strict.
const PlanFrontmatterSchema = `{
  "type": "object",
  "additionalProperties": true,
  "properties": {
    "phase": {"type": ["string", "number"]},
    "tasks": {"type": "array", "items": {"type": "string"}},
    "agents": {"type": ["string", "array"]},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

// NewDefaultValidator wires up the schemas this repository actually
// exercises: one shared metadata schema (reused across Agent/Task/Session
// since metadata_json is left open-ended per entity), plus the
// progress header and plan frontmatter schemas.
func NewDefaultValidator() (*Validator, error) {
	return NewValidator(map[string]string{
		"metadata":         DefaultMetadataSchema,
		"progress.header":  ProgressHeaderSchema,
		"plan.frontmatter": PlanFrontmatterSchema,
	})
}

package toolexecutor

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/harun/curie/pkg/conversation"
)

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// ToolParameter declares one named argument of a tool.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolDefinition declares a tool alongside its handler.
type ToolDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  []ToolParameter  `json:"parameters"`
	Tag         conversation.Tag `json:"tag,omitempty"` // empty derives the tag from the name
	Handler     ToolHandler      `json:"-"`
}

// ParamSpec is the derived schema of one parameter.
type ParamSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ToolSpec is what a backend sees of a tool.
type ToolSpec struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ParamSpec `json:"parameters"`
}

var (
	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

	validTypes = map[string]bool{
		"string": true, "integer": true, "number": true, "boolean": true,
		"array": true, "object": true, "null": true,
	}
)

// Describe derives the ToolSpec of def.
func Describe(def ToolDefinition) (ToolSpec, error) {
	if def.Name == "" {
		return ToolSpec{}, &SchemaError{Reason: "tool name cannot be empty"}
	}
	if !toolNamePattern.MatchString(def.Name) {
		return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: "name must match [a-zA-Z0-9_-]{1,64}"}
	}
	if def.Description == "" {
		return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: "description cannot be empty"}
	}
	if def.Handler == nil {
		return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: "handler cannot be nil"}
	}

	spec := ToolSpec{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  make(map[string]ParamSpec, len(def.Parameters)),
	}

	for _, p := range def.Parameters {
		if p.Name == "" {
			return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: "parameter name cannot be empty"}
		}
		if _, dup := spec.Parameters[p.Name]; dup {
			return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: fmt.Sprintf("duplicate parameter %s", p.Name)}
		}
		if !validTypes[p.Type] {
			return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: fmt.Sprintf("invalid parameter type %q for %s", p.Type, p.Name)}
		}
		if p.Required && p.Default != nil {
			return ToolSpec{}, &SchemaError{Tool: def.Name, Reason: fmt.Sprintf("parameter %s has a default and cannot be required", p.Name)}
		}
		spec.Parameters[p.Name] = ParamSpec{
			Type:        p.Type,
			Required:    p.Required,
			Description: p.Description,
			Default:     p.Default,
		}
	}

	return spec, nil
}

// RequiredNames returns the required parameter names, sorted.
func (s ToolSpec) RequiredNames() []string {
	required := []string{}
	for name, p := range s.Parameters {
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// JSONSchema renders the parameters as a JSON Schema object, the form both
// function-calling APIs and the argument validator consume.
func (s ToolSpec) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	for name, p := range s.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[name] = prop
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if required := s.RequiredNames(); len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

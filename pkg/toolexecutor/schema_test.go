package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, params map[string]any) (any, error) { return nil, nil }

func TestDescribe(t *testing.T) {
	def := ToolDefinition{
		Name:        "get_files_with_description",
		Description: "Plan the files needed for a feature",
		Parameters: []ToolParameter{
			{Name: "problem_statement", Type: "string", Required: true},
			{Name: "limit", Type: "integer", Default: 10},
		},
		Handler: noop,
	}

	spec, err := Describe(def)
	require.NoError(t, err)

	assert.Equal(t, "get_files_with_description", spec.Name)
	assert.Equal(t, ParamSpec{Type: "string", Required: true}, spec.Parameters["problem_statement"])
	assert.False(t, spec.Parameters["limit"].Required)
	assert.Equal(t, []string{"problem_statement"}, spec.RequiredNames())

	again, err := Describe(def)
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestDescribeSchemaErrors(t *testing.T) {
	tests := []struct {
		name   string
		def    ToolDefinition
		reason string
	}{
		{
			name:   "empty name",
			def:    ToolDefinition{Description: "x", Handler: noop},
			reason: "tool name cannot be empty",
		},
		{
			name:   "name with spaces",
			def:    ToolDefinition{Name: "read file", Description: "x", Handler: noop},
			reason: "name must match",
		},
		{
			name:   "nil handler",
			def:    ToolDefinition{Name: "t", Description: "x"},
			reason: "handler cannot be nil",
		},
		{
			name: "unknown type",
			def: ToolDefinition{Name: "t", Description: "x", Handler: noop,
				Parameters: []ToolParameter{{Name: "p", Type: "float"}}},
			reason: `invalid parameter type "float"`,
		},
		{
			name: "duplicate parameter",
			def: ToolDefinition{Name: "t", Description: "x", Handler: noop,
				Parameters: []ToolParameter{{Name: "p", Type: "string"}, {Name: "p", Type: "string"}}},
			reason: "duplicate parameter p",
		},
		{
			name: "required with default",
			def: ToolDefinition{Name: "t", Description: "x", Handler: noop,
				Parameters: []ToolParameter{{Name: "p", Type: "string", Required: true, Default: "a"}}},
			reason: "cannot be required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Describe(tt.def)
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.Contains(t, schemaErr.Reason, tt.reason)
		})
	}
}

func TestJSONSchema(t *testing.T) {
	spec, err := Describe(ToolDefinition{
		Name:        "read_file_content",
		Description: "Read a file",
		Parameters: []ToolParameter{
			{Name: "file_path", Type: "string", Description: "path in the workspace", Required: true},
			{Name: "max_bytes", Type: "integer", Default: 4096},
		},
		Handler: noop,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"file_path": map[string]any{"type": "string", "description": "path in the workspace"},
			"max_bytes": map[string]any{"type": "integer", "default": 4096},
		},
		"required": []string{"file_path"},
	}, spec.JSONSchema())
}

func TestDefaultTag(t *testing.T) {
	assert.Equal(t, "json-files", string(DefaultTag("get_files_with_description")))
	assert.Equal(t, "json-button", string(DefaultTag("get_hotels")))
	assert.Equal(t, "ui-reference", string(DefaultTag("search_image")))
	assert.Equal(t, "text", string(DefaultTag("read_file_content")))
}

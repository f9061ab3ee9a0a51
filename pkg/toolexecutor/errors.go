package toolexecutor

import "fmt"

// SchemaError reports a tool declaration that cannot be turned into a schema.
type SchemaError struct {
	Tool   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Tool == "" {
		return "invalid tool schema: " + e.Reason
	}
	return fmt.Sprintf("invalid schema for tool %s: %s", e.Tool, e.Reason)
}

// UnknownToolError reports a dispatch naming no registered tool.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ToolExecutionError wraps a failure raised while running a registered tool.
type ToolExecutionError struct {
	ToolName string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

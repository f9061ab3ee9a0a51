// Package toolexecutor registers tools with explicit parameter schemas and
// dispatches backend tool calls to them.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Describe is pure: the same definition always yields the same ToolSpec.
// - Arguments are validated against the declared schema before the handler runs.
// - Dispatch of an unregistered name fails with *UnknownToolError; any handler
//   failure, validation failure or timeout fails with *ToolExecutionError.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry(toolexecutor.Options{Timeout: 30 * time.Second})
//	err := reg.Register(toolexecutor.ToolDefinition{
//		Name:        "read_file_content",
//		Description: "Read a file from the workspace",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "file_path", Type: "string", Required: true}},
//		Handler:     readFile,
//	})
//	result, err := reg.Dispatch(ctx, "read_file_content", map[string]any{"file_path": "go.mod"})
package toolexecutor

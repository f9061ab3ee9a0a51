// Package devtools provides the code-generation tools offered to agents:
// planning the files of a project, reading and summarising workspace files,
// and finding the files relevant to a feature.
//
// Invariants:
// - File tools never read outside the workspace root.
// - A file summary is generated at most once per cache lifetime.
// - Tools register only when their dependencies are configured.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry(toolexecutor.Options{})
//	_ = devtools.Register(reg, devtools.Options{WorkspaceRoot: ".", Planner: p})
package devtools

// Package agent runs the turn loop of one conversation: a role within a session.
//
// Invariants:
// - Turns for one identity are serialized through a commandqueue lane held
//   for the whole loop, tool dispatches included.
// - Every tool call appended to a thread is answered by exactly one tool
//   message before the thread is sent again.
// - At most MaxToolCalls tool rounds happen per run.
// - Whatever a run appended is persisted, even when the run fails.
//
// Usage:
//
//	a, _ := agent.New(ctx, agent.Config{
//		Role: "manager", SessionID: "u1",
//		Instructions: "You are the manager.",
//		Provider: p, Tools: registry, Store: store, Queue: queue,
//	})
//	thread, err := a.Run(ctx, "build a todo app", agent.RunOptions{})
package agent

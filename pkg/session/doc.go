// Package session keeps the live agents of each role and session.
//
// Invariants:
// - A factory runs at most once per cached identity; concurrent callers wait for it.
// - A slow factory for one identity never blocks lookups of another.
// - A failed factory caches nothing.
// - Clearing an agent drops only the in-memory instance; persisted threads remain.
//
// Usage:
//
//	reg := session.NewRegistry(session.Options{MaxAgents: 1024})
//	a, _ := reg.GetOrCreate(ctx, "manager", "user-1", factory)
//	_, _ = a.Run(ctx, "build a todo app", agent.RunOptions{})
package session

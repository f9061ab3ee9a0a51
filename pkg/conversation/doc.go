// Package conversation defines the message model shared by every agent and
// persists threads through an expiring key/value store.
//
// Invariants:
// - A thread begins with exactly one system message holding the agent instructions.
// - Threads are append-only; Append never rewrites earlier messages.
// - Loading a missing or expired key yields (nil, false, nil), never an error.
// - Per-role threads live under "<role><sessionId>", the overall thread under
//   "conversation:<sessionId>", so a miss on one never affects the other.
//
// Usage:
//
//	store := conversation.NewStore(conversation.StoreConfig{KV: kv, TTL: 24 * time.Hour})
//	thread, ok, err := store.Load(ctx, conversation.AgentKey("manager", "u1"))
//	if !ok {
//		thread = conversation.NewThread(instructions)
//	}
package conversation

// Package provider adapts heterogeneous inference backends to one turn contract.
//
// Invariants:
// - The variant (completion or instruction style) is fixed at construction.
// - Remote failures surface as *BackendError; nothing here retries.
// - Streams are lazy, finite and non-restartable.
//
// Usage:
//
//	p, _ := provider.New(provider.Config{Name: "openai", Type: provider.TypeOpenAI, APIKey: key})
//	turn, err := p.Send(ctx, provider.Request{Model: "gpt-4o", Thread: thread})
package provider

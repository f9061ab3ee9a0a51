package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/conversation"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Factory builds the agent of id. It is called without the registry lock held.
type Factory func(ctx context.Context, id conversation.Identity) (*agent.Agent, error)

// Options configures a Registry.
type Options struct {
	// MaxAgents bounds the built agents; the least recently used is dropped
	// first. Agents still being built are not counted. Zero means unbounded.
	MaxAgents int
	Logger    *zerolog.Logger
}

type entry struct {
	ready chan struct{}
	agent *agent.Agent
	err   error
}

// entries is the storage behind the registry map lock.
type entries interface {
	get(key conversation.Identity) (*entry, bool)
	add(key conversation.Identity, e *entry)
	remove(key conversation.Identity) bool
	keys() []conversation.Identity
	len() int
}

type mapEntries map[conversation.Identity]*entry

func (m mapEntries) get(key conversation.Identity) (*entry, bool) {
	e, ok := m[key]
	return e, ok
}

func (m mapEntries) add(key conversation.Identity, e *entry) { m[key] = e }

func (m mapEntries) remove(key conversation.Identity) bool {
	_, ok := m[key]
	delete(m, key)
	return ok
}

func (m mapEntries) keys() []conversation.Identity {
	out := make([]conversation.Identity, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (m mapEntries) len() int { return len(m) }

type lruEntries struct {
	cache *lru.Cache[conversation.Identity, *entry]
}

func (l lruEntries) get(key conversation.Identity) (*entry, bool) { return l.cache.Get(key) }
func (l lruEntries) add(key conversation.Identity, e *entry)      { l.cache.Add(key, e) }
func (l lruEntries) remove(key conversation.Identity) bool        { return l.cache.Remove(key) }
func (l lruEntries) keys() []conversation.Identity                { return l.cache.Keys() }
func (l lruEntries) len() int                                     { return l.cache.Len() }

// Registry caches one agent per identity. Agents still being built sit in
// pending and only enter entries once ready, so the bound never evicts a
// build in flight.
type Registry struct {
	mu      sync.Mutex
	entries entries
	pending map[conversation.Identity]*entry
	logger  zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	observability.EnsureRegistered()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	r := &Registry{
		pending: make(map[conversation.Identity]*entry),
		logger:  logger.With().Str("component", "session").Logger(),
	}

	if opts.MaxAgents > 0 {
		cache, err := lru.NewWithEvict(opts.MaxAgents, func(id conversation.Identity, _ *entry) {
			r.logger.Debug().Str("agent", id.String()).Msg("Evicted least recently used agent")
		})
		if err == nil {
			r.entries = lruEntries{cache: cache}
			return r
		}
		r.logger.Warn().Err(err).Msg("Invalid agent bound; registry is unbounded")
	}
	r.entries = make(mapEntries)
	return r
}

// GetOrCreate returns the cached agent of (role, sessionID), building it
// with factory on first use.
func (r *Registry) GetOrCreate(ctx context.Context, role, sessionID string, factory Factory) (*agent.Agent, error) {
	if role == "" || sessionID == "" {
		return nil, fmt.Errorf("role and session id are required")
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	id := conversation.Identity{Role: role, SessionID: sessionID}

	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok {
		e, ok = r.entries.get(id)
	}
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.pending[id] = e
		observability.SetRegistryAgents(r.size())
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
			return e.agent, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.agent, e.err = r.build(ctx, id, factory)

	r.mu.Lock()
	// A Clear during the build leaves the agent to its waiters only.
	if r.pending[id] == e {
		delete(r.pending, id)
		if e.err == nil {
			r.entries.add(id, e)
		}
	}
	observability.SetRegistryAgents(r.size())
	r.mu.Unlock()
	close(e.ready)

	return e.agent, e.err
}

func (r *Registry) build(ctx context.Context, id conversation.Identity, factory Factory) (a *agent.Agent, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent factory panicked: %v", p)
		}
	}()

	a, err = factory(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("agent", id.String()).Msg("Failed to create agent")
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("factory returned no agent for %s", id)
	}
	r.logger.Debug().Str("agent", id.String()).Msg("Agent created")
	return a, nil
}

// Clear drops the cached agent of (role, sessionID).
func (r *Registry) Clear(role, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conversation.Identity{Role: role, SessionID: sessionID}
	removed := r.entries.remove(id)
	if _, ok := r.pending[id]; ok {
		delete(r.pending, id)
		removed = true
	}
	observability.SetRegistryAgents(r.size())
	return removed
}

// ClearSession drops every cached agent of sessionID and returns how many
// were dropped.
func (r *Registry) ClearSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range r.entries.keys() {
		if id.SessionID == sessionID && r.entries.remove(id) {
			n++
		}
	}
	for id := range r.pending {
		if id.SessionID == sessionID {
			delete(r.pending, id)
			n++
		}
	}
	observability.SetRegistryAgents(r.size())

	if n > 0 {
		r.logger.Info().Str("session_id", sessionID).Int("agents", n).Msg("Session cleared")
	}
	return n
}

// Len returns the number of cached agents, including ones still being built.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size()
}

func (r *Registry) size() int { return r.entries.len() + len(r.pending) }

// Keys returns the cached identities in "role:session" form, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	ids := r.entries.keys()
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	sort.Strings(out)
	return out
}

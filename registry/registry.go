// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/clock"
)

var (
	// ErrNotFound means no agent is registered under the identifier.
	ErrNotFound = errors.New("registry: agent not found")

	// ErrBusy means the agent is already in a relay session.
	ErrBusy = errors.New("registry: agent busy")
)

// Transport is the part of an agent connection the registry needs.
type Transport interface {
	Close() error
}

// Agent is the registry's handle for one connected agent. The
// identity fields are fixed at registration; the liveness and session
// fields are read through Entry snapshots.
type Agent struct {
	ID           string
	User         string
	Host         string
	Transport    Transport
	RegisteredAt time.Time

	// Guarded by Registry.mu.
	lastSeen  time.Time
	sessionID string
}

// Entry is a point-in-time copy of one agent's state.
type Entry struct {
	ID           string
	User         string
	Host         string
	RegisteredAt time.Time
	LastSeen     time.Time

	// SessionID is the relay session using the agent, or "".
	SessionID string
}

// Registry maps agent identifiers to handles.
type Registry struct {
	// Clock stamps registration and liveness. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives registration events. Nil means slog.Default().
	Logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// New returns an empty Registry.
func New(clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{Clock: clk, Logger: logger}
}

func (r *Registry) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock.Now()
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Register adds an agent. A handle already stored under id is
// replaced and its transport closed; replaced reports whether that
// happened. The returned handle is the one now in the registry.
func (r *Registry) Register(id, user, host string, transport Transport) (agent *Agent, replaced bool) {
	now := r.now()
	agent = &Agent{
		ID:           id,
		User:         user,
		Host:         host,
		Transport:    transport,
		RegisteredAt: now,
		lastSeen:     now,
	}

	r.mu.Lock()
	if r.agents == nil {
		r.agents = make(map[string]*Agent)
	}
	previous := r.agents[id]
	r.agents[id] = agent
	r.mu.Unlock()

	if previous != nil {
		r.logger().Info("agent re-registered, closing previous connection",
			"agent_id", id,
			"previous_registered_at", previous.RegisteredAt)
		previous.Transport.Close()
	}
	return agent, previous != nil
}

// Unregister removes the agent stored under id and closes its
// transport. It reports whether an agent was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if ok {
		agent.Transport.Close()
	}
	return ok
}

// Remove deletes agent only if it is still the handle stored under its
// identifier, so a superseded connection cannot remove its
// replacement. The transport is not closed. It reports whether the
// handle was removed.
func (r *Registry) Remove(agent *Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[agent.ID] != agent {
		return false
	}
	delete(r.agents, agent.ID)
	return true
}

// Lookup returns the handle stored under id.
func (r *Registry) Lookup(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return agent, nil
}

// Acquire looks up id and marks the agent as used by sessionID in one
// step. It fails with ErrNotFound or ErrBusy.
func (r *Registry) Acquire(id, sessionID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if agent.sessionID != "" {
		return nil, ErrBusy
	}
	agent.sessionID = sessionID
	return agent, nil
}

// Release clears the agent's session marker and counts the end of the
// session as activity.
func (r *Registry) Release(agent *Agent) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	agent.sessionID = ""
	agent.lastSeen = now
}

// Touch records that the agent was heard from.
func (r *Registry) Touch(agent *Agent) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	agent.lastSeen = now
}

// Snapshot returns every registered agent, sorted by identifier.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.agents))
	for _, agent := range r.agents {
		entries = append(entries, entryLocked(agent))
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// EvictIdle removes every agent not in a session whose last activity
// is before cutoff and closes their transports. It returns the evicted
// agents' final state.
func (r *Registry) EvictIdle(cutoff time.Time) []Entry {
	var evicted []*Agent
	var entries []Entry

	r.mu.Lock()
	for id, agent := range r.agents {
		if agent.sessionID != "" || !agent.lastSeen.Before(cutoff) {
			continue
		}
		delete(r.agents, id)
		evicted = append(evicted, agent)
		entries = append(entries, entryLocked(agent))
	}
	r.mu.Unlock()

	for _, agent := range evicted {
		agent.Transport.Close()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func entryLocked(agent *Agent) Entry {
	return Entry{
		ID:           agent.ID,
		User:         agent.User,
		Host:         agent.Host,
		RegisteredAt: agent.RegisteredAt,
		LastSeen:     agent.lastSeen,
		SessionID:    agent.sessionID,
	}
}

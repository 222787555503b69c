// Package agent manages the lifecycle of the Matrix bot principals running
// in this process: the registry of live instances (this file) and the
// manager that starts, monitors, and stops them (manager.go).
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/activematrix/internal/agentstate"
	"github.com/basket/activematrix/internal/bus"
	"github.com/basket/activematrix/internal/matrixclient"
	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/router"
)

// BroadcastHandler reacts to a synthetic event delivered via
// router.BroadcastEvent (e.g. a knowledge base broadcast), bypassing route
// matching. A nil handler makes broadcasts to that agent a no-op.
type BroadcastHandler func(ctx context.Context, ev router.Event) error

// Entry is one running agent: its durable record, its live Matrix session,
// its lifecycle state machine, and the cancellation handle for its sync
// loop goroutine.
type Entry struct {
	Record persistence.AgentRecord
	Client *matrixclient.Client
	State  *agentstate.Machine

	onBroadcast BroadcastHandler
	cancel      context.CancelFunc
	done        chan struct{}
	startedAt   time.Time
}

// Started reports when this entry's sync loop began running.
func (e *Entry) Started() time.Time { return e.startedAt }

// Alive reports whether the entry's sync loop goroutine is still running.
func (e *Entry) Alive() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Registry tracks every currently-running agent in this process and
// implements router.AgentResolver so the event router can reach them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Entry
	store  *persistence.Store
	bus    *bus.Bus
}

// NewRegistry creates an empty Registry backed by store, publishing
// lifecycle events on eventBus.
func NewRegistry(store *persistence.Store, eventBus *bus.Bus) *Registry {
	return &Registry{agents: make(map[string]*Entry), store: store, bus: eventBus}
}

// Add registers a running agent entry under its record's id. Returns an
// error if an entry is already registered under that id.
func (r *Registry) Add(entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[entry.Record.ID]; exists {
		return fmt.Errorf("agent %q already registered", entry.Record.ID)
	}
	r.agents[entry.Record.ID] = entry
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentStarted, bus.AgentLifecycleEvent{AgentID: entry.Record.ID})
	}
	return nil
}

// Remove unregisters agentID, if present, returning its entry.
func (r *Registry) Remove(agentID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	delete(r.agents, agentID)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentStopped, bus.AgentLifecycleEvent{AgentID: agentID})
	}
	return entry
}

// Get returns the entry registered under agentID, or nil.
func (r *Registry) Get(agentID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// All returns every currently-registered entry.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e)
	}
	return out
}

// IsRegistered implements router.AgentResolver.
func (r *Registry) IsRegistered(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// RegisteredAgentIDs implements router.AgentResolver.
func (r *Registry) RegisteredAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// Deliver implements router.AgentResolver: it invokes the entry's
// broadcast handler, if one was set at registration time.
func (r *Registry) Deliver(ctx context.Context, agentID string, ev router.Event) error {
	r.mu.RLock()
	entry, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %q not registered", agentID)
	}
	if entry.onBroadcast == nil {
		return nil
	}
	return entry.onBroadcast(ctx, ev)
}

// SetBroadcastHandler attaches the callback invoked for agentID when a
// router broadcast is delivered to it.
func (r *Registry) SetBroadcastHandler(agentID string, handler BroadcastHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[agentID]; ok {
		entry.onBroadcast = handler
	}
}

// CountByState returns the number of registered agents currently in each
// lifecycle state, for the daemon's /status and /metrics surfaces.
func (r *Registry) CountByState() map[agentstate.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[agentstate.State]int)
	for _, e := range r.agents {
		counts[e.State.Current()]++
	}
	return counts
}

package command

import (
	"context"
	"sort"
	"sync"

	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/matrixclient"
	"github.com/basket/activematrix/internal/memory"
	"github.com/basket/activematrix/internal/router"
)

// Context is the running bot context a handler executes under: the room
// and client the triggering message arrived on, the raw event, and the
// parsed positional args and flags. AgentMemory, KnowledgeBase, and Router
// are nil only in tests that construct a Context by hand without a
// Dispatcher.
type Context struct {
	Room          *matrixclient.Room
	Client        *matrixclient.Client
	Event         matrixapi.Event
	Args          []string
	Flags         map[string]string
	IsDirect      bool
	AgentID       string
	AgentMemory   *memory.AgentMemory
	KnowledgeBase *memory.KnowledgeBase
	Router        *router.Router
}

// Handler processes a dispatched command and returns the text to send back
// to the room, or an error.
type Handler func(ctx context.Context, c Context) (string, error)

// Visibility is a selector over (room, client, event), evaluated via the
// Context the dispatcher builds for the invocation.
type Visibility func(ctx context.Context, c Context) bool

// VisibilityAny permits every invocation.
func VisibilityAny(ctx context.Context, c Context) bool { return true }

// VisibilityDMOnly permits invocation only in a direct (two-member) room.
func VisibilityDMOnly(ctx context.Context, c Context) bool { return c.IsDirect }

// VisibilityAdmin permits invocation only by a room admin (power level
// >= 100).
func VisibilityAdmin(ctx context.Context, c Context) bool {
	if c.Room == nil {
		return false
	}
	ok, err := c.Room.IsAdmin(ctx, c.Event.Sender)
	return err == nil && ok
}

// Entry is one registered command binding.
type Entry struct {
	Name        string
	Handler     Handler
	ArgTemplate string
	Visibility  Visibility
	Help        string
}

// Registry holds the set of registered commands, preserving registration
// order for the help listing.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Entry
	order    []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Entry)}
}

// Register adds or replaces a command binding. A nil Visibility defaults
// to VisibilityAny.
func (r *Registry) Register(e Entry) {
	if e.Visibility == nil {
		e.Visibility = VisibilityAny
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[e.Name]; !exists {
		r.order = append(r.order, e.Name)
	}
	entry := e
	r.commands[e.Name] = &entry
}

// Get returns the command entry registered under name, if any.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.commands[name]
	return e, ok
}

// Visible returns, in registration order, every command whose visibility
// selector passes for c.
func (r *Registry) Visible(ctx context.Context, c Context) []*Entry {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	snapshot := make(map[string]*Entry, len(r.commands))
	for k, v := range r.commands {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		e := snapshot[name]
		if e != nil && e.Visibility(ctx, c) {
			out = append(out, e)
		}
	}
	return out
}

// Names returns every registered command name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

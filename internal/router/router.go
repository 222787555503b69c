// Package router matches incoming Matrix events against a priority-ordered
// set of per-agent routes and delivers them to handler closures on a
// dedicated background worker, isolating one handler's failure from the
// rest. Generalized from internal/bus's subscribe/publish/non-blocking-send
// shape: routes replace topic-prefix subscriptions, and matching is by
// room/event-type/user predicate plus priority instead of string prefix.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize      = 1000
	defaultHandlerTimeout = 30 * time.Second
)

// Event is one routable occurrence: a Matrix timeline/state event, or a
// synthetic event such as a knowledge base broadcast. RoomID, EventType,
// and UserID are matched against route filters; Payload carries whatever
// the caller wants the handler to see.
type Event struct {
	RoomID    string
	EventType string
	UserID    string
	Payload   any
}

// Handler processes a matched event for one agent. Errors are logged by
// the router and never propagate to the caller or to other routes.
type Handler func(ctx context.Context, ev Event) error

// AgentResolver lets the router ask whether an agent id names a
// currently-registered bot, enumerate all registered agent ids for
// broadcast delivery, and deliver a broadcast event directly to one
// agent's bot instance (bypassing route matching entirely).
type AgentResolver interface {
	IsRegistered(agentID string) bool
	RegisteredAgentIDs() []string
	Deliver(ctx context.Context, agentID string, ev Event) error
}

// Route is a declarative binding from an event predicate to a handler.
// Unset filter fields (empty string) are wildcards. Routes are delivered
// in descending Priority order, then registration order for ties.
type Route struct {
	AgentID   string
	RoomID    string
	EventType string
	UserID    string
	Priority  int
	Handler   Handler

	id  int64
	seq int64
}

// ID returns the route's router-assigned identifier, usable with
// RemoveRoute.
func (r Route) ID() string { return fmt.Sprintf("route-%d", r.id) }

func (r Route) matches(ev Event) bool {
	if r.RoomID != "" && r.RoomID != ev.RoomID {
		return false
	}
	if r.EventType != "" && r.EventType != ev.EventType {
		return false
	}
	if r.UserID != "" && r.UserID != ev.UserID {
		return false
	}
	return true
}

// Config holds the router's dependencies and tunables.
type Config struct {
	Resolver AgentResolver
	Logger   *slog.Logger

	// QueueSize bounds the event queue; defaults to 1000.
	QueueSize int
	// HandlerTimeout bounds each handler invocation; defaults to 30s.
	HandlerTimeout time.Duration
}

type queuedEvent struct {
	broadcast bool
	ev        Event
}

// Router owns the bounded event queue and the single worker that drains
// it, matching each event against the current route list and invoking
// every matching handler under an isolated error boundary.
type Router struct {
	resolver       AgentResolver
	logger         *slog.Logger
	handlerTimeout time.Duration

	mu          sync.Mutex // guards route list mutation and id/seq counters
	routes      atomic.Pointer[[]*Route]
	nextRouteID int64
	nextSeq     int64

	queue         chan queuedEvent
	droppedEvents atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router. Start must be called before events are
// delivered.
func New(cfg Config) *Router {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		resolver:       cfg.Resolver,
		logger:         logger,
		handlerTimeout: timeout,
		queue:          make(chan queuedEvent, queueSize),
	}
	empty := make([]*Route, 0)
	r.routes.Store(&empty)
	return r
}

// AddRoute registers route and returns its assigned id. Routes are stored
// copy-on-write: the live slice is rebuilt and atomically swapped, so
// concurrent readers never observe a half-updated list and never block.
func (r *Router) AddRoute(route Route) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextRouteID++
	route.id = r.nextRouteID
	r.nextSeq++
	route.seq = r.nextSeq

	current := *r.routes.Load()
	next := make([]*Route, len(current), len(current)+1)
	copy(next, current)
	next = append(next, &route)
	sortRoutes(next)
	r.routes.Store(&next)
	return route.ID()
}

// RemoveRoute drops the route with the given id, if present.
func (r *Router) RemoveRoute(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.routes.Load()
	next := make([]*Route, 0, len(current))
	for _, rt := range current {
		if rt.ID() != id {
			next = append(next, rt)
		}
	}
	r.routes.Store(&next)
}

func sortRoutes(routes []*Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority > routes[j].Priority
		}
		return routes[i].seq < routes[j].seq
	})
}

// Start spawns the single background worker that drains the queue. It is
// safe to call once per Router.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
	r.logger.Info("router started")
}

// Stop cancels the worker and waits for it to drain its current event and
// exit.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("router stopped")
}

// Dispatch enqueues ev for predicate matching against registered routes.
// Delivery is non-blocking: if the queue is full, the event is dropped and
// a warning logged; it reports whether the event was accepted.
func (r *Router) Dispatch(ev Event) bool {
	select {
	case r.queue <- queuedEvent{ev: ev}:
		return true
	default:
		r.droppedEvents.Add(1)
		r.logger.Warn("router queue full, dropping event",
			slog.String("room_id", ev.RoomID), slog.String("event_type", ev.EventType))
		return false
	}
}

// BroadcastEvent enqueues ev for delivery to every currently-registered
// agent, bypassing route matching entirely.
func (r *Router) BroadcastEvent(ev Event) bool {
	select {
	case r.queue <- queuedEvent{broadcast: true, ev: ev}:
		return true
	default:
		r.droppedEvents.Add(1)
		r.logger.Warn("router queue full, dropping broadcast event", slog.String("event_type", ev.EventType))
		return false
	}
}

// DroppedEventCount returns the number of events dropped due to a full
// queue since the router was created.
func (r *Router) DroppedEventCount() int64 {
	return r.droppedEvents.Load()
}

func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case qe := <-r.queue:
			if qe.broadcast {
				r.deliverBroadcast(ctx, qe.ev)
			} else {
				r.deliverMatched(ctx, qe.ev)
			}
		}
	}
}

func (r *Router) deliverMatched(ctx context.Context, ev Event) {
	routes := *r.routes.Load()
	for _, route := range routes {
		if !route.matches(ev) {
			continue
		}
		if r.resolver != nil && !r.resolver.IsRegistered(route.AgentID) {
			continue
		}
		r.invoke(ctx, route.AgentID, route.Handler, ev)
	}
}

func (r *Router) deliverBroadcast(ctx context.Context, ev Event) {
	if r.resolver == nil {
		return
	}
	for _, agentID := range r.resolver.RegisteredAgentIDs() {
		id := agentID
		r.invoke(ctx, id, func(ctx context.Context, ev Event) error {
			return r.resolver.Deliver(ctx, id, ev)
		}, ev)
	}
}

// invoke runs handler under an isolated error boundary: panics are
// recovered and a bounded timeout is applied so one stuck or misbehaving
// handler can never stall the worker or take down its neighbors.
func (r *Router) invoke(ctx context.Context, agentID string, handler Handler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("router: handler panicked",
				slog.String("agent_id", agentID), slog.Any("panic", p))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	if err := handler(hctx, ev); err != nil {
		r.logger.Error("router: handler error",
			slog.String("agent_id", agentID), slog.String("event_type", ev.EventType), slog.Any("error", err))
	}
}

package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/activematrix/internal/router"
)

// StatusProvider supplies the daemon-level facts the status builtin reports.
// Implemented by the agent manager once it exists; left as a narrow
// interface here so this package never imports it.
type StatusProvider interface {
	AgentState() string
	Uptime() time.Duration
}

// BuiltinConfig supplies the data the builtin commands need beyond what a
// Context carries.
type BuiltinConfig struct {
	Version string
	Status  StatusProvider
}

// RegisterBuiltins registers the standard command set: help, ping, version,
// status, time, echo, and the admin-gated rooms listing.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) {
	reg.Register(Entry{
		Name: "help",
		Help: "help [command] - list available commands, or show detailed help for one",
		Handler: func(ctx context.Context, c Context) (string, error) {
			if len(c.Args) > 0 {
				entry, ok := reg.Get(strings.ToLower(c.Args[0]))
				if !ok || !entry.Visibility(ctx, c) {
					return fmt.Sprintf("no such command: %s", c.Args[0]), nil
				}
				if entry.Help != "" {
					return entry.Help, nil
				}
				return fmt.Sprintf("%s (no help text)", entry.Name), nil
			}
			visible := reg.Visible(ctx, c)
			names := make([]string, 0, len(visible))
			for _, e := range visible {
				names = append(names, e.Name)
			}
			return "commands: " + strings.Join(names, ", "), nil
		},
	})

	reg.Register(Entry{
		Name: "ping",
		Help: "ping - check that the agent is responsive",
		Handler: func(ctx context.Context, c Context) (string, error) {
			return "pong", nil
		},
	})

	reg.Register(Entry{
		Name: "version",
		Help: "version - report the running daemon version",
		Handler: func(ctx context.Context, c Context) (string, error) {
			v := cfg.Version
			if v == "" {
				v = "unknown"
			}
			return "activematrix " + v, nil
		},
	})

	reg.Register(Entry{
		Name: "status",
		Help: "status - report this agent's lifecycle state and uptime",
		Handler: func(ctx context.Context, c Context) (string, error) {
			if cfg.Status == nil {
				return "status unavailable", nil
			}
			return fmt.Sprintf("state=%s uptime=%s", cfg.Status.AgentState(), cfg.Status.Uptime().Round(time.Second)), nil
		},
	})

	reg.Register(Entry{
		Name: "time",
		Help: "time - report the current UTC time",
		Handler: func(ctx context.Context, c Context) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	})

	reg.Register(Entry{
		Name: "echo",
		Help: "echo <text> - repeat text back",
		Handler: func(ctx context.Context, c Context) (string, error) {
			return strings.Join(c.Args, " "), nil
		},
	})

	reg.Register(Entry{
		Name: "remember",
		Help: "remember <key> <value> - store a value in this agent's private memory",
		Handler: func(ctx context.Context, c Context) (string, error) {
			if c.AgentMemory == nil {
				return "agent memory unavailable", nil
			}
			if len(c.Args) < 2 {
				return "usage: remember <key> <value>", nil
			}
			if err := c.AgentMemory.Set(ctx, c.Args[0], strings.Join(c.Args[1:], " "), 0); err != nil {
				return "", fmt.Errorf("remember: %w", err)
			}
			return fmt.Sprintf("remembered %s", c.Args[0]), nil
		},
	})

	reg.Register(Entry{
		Name: "recall",
		Help: "recall <key> - retrieve a value from this agent's private memory",
		Handler: func(ctx context.Context, c Context) (string, error) {
			if c.AgentMemory == nil {
				return "agent memory unavailable", nil
			}
			if len(c.Args) < 1 {
				return "usage: recall <key>", nil
			}
			v, ok, err := c.AgentMemory.Get(ctx, c.Args[0])
			if err != nil {
				return "", fmt.Errorf("recall: %w", err)
			}
			if !ok {
				return fmt.Sprintf("no value stored for %s", c.Args[0]), nil
			}
			return v, nil
		},
	})

	reg.Register(Entry{
		Name:       "broadcast",
		Help:       "broadcast <key> <value> - publish a value to every agent via the knowledge base (admin only)",
		Visibility: VisibilityAdmin,
		Handler: func(ctx context.Context, c Context) (string, error) {
			if c.KnowledgeBase == nil {
				return "knowledge base unavailable", nil
			}
			if len(c.Args) < 2 {
				return "usage: broadcast <key> <value>", nil
			}
			if err := c.KnowledgeBase.Broadcast(ctx, c.Args[0], strings.Join(c.Args[1:], " "), 0); err != nil {
				return "", fmt.Errorf("broadcast: %w", err)
			}
			return fmt.Sprintf("broadcast %s", c.Args[0]), nil
		},
	})

	reg.Register(Entry{
		Name: "subscribe",
		Help: "subscribe <event_type> [room_id] - register a route for this agent on the shared event router",
		Handler: func(ctx context.Context, c Context) (string, error) {
			if c.Router == nil {
				return "router unavailable", nil
			}
			if len(c.Args) < 1 {
				return "usage: subscribe <event_type> [room_id]", nil
			}
			eventType := c.Args[0]
			roomID := ""
			if len(c.Args) > 1 {
				roomID = c.Args[1]
			}
			mem := c.AgentMemory
			id := c.Router.AddRoute(router.Route{
				AgentID:   c.AgentID,
				RoomID:    roomID,
				EventType: eventType,
				Handler: func(ctx context.Context, ev router.Event) error {
					if mem == nil {
						return nil
					}
					return mem.Set(ctx, "route/"+ev.EventType, fmt.Sprintf("%v", ev.Payload), 0)
				},
			})
			return fmt.Sprintf("subscribed: %s", id), nil
		},
	})

	reg.Register(Entry{
		Name: "unsubscribe",
		Help: "unsubscribe <route_id> - remove a previously registered route",
		Handler: func(ctx context.Context, c Context) (string, error) {
			if c.Router == nil {
				return "router unavailable", nil
			}
			if len(c.Args) < 1 {
				return "usage: unsubscribe <route_id>", nil
			}
			c.Router.RemoveRoute(c.Args[0])
			return fmt.Sprintf("unsubscribed: %s", c.Args[0]), nil
		},
	})

	reg.Register(Entry{
		Name:       "rooms",
		Help:       "rooms - list rooms this agent participates in (admin only)",
		Visibility: VisibilityAdmin,
		Handler: func(ctx context.Context, c Context) (string, error) {
			if c.Room == nil {
				return "no room context", nil
			}
			aliases, err := c.Room.Aliases(ctx, false)
			if err != nil {
				return "", fmt.Errorf("list aliases: %w", err)
			}
			if len(aliases) == 0 {
				return fmt.Sprintf("room %s (no aliases)", c.Room.ID()), nil
			}
			return fmt.Sprintf("room %s: %s", c.Room.ID(), strings.Join(aliases, ", ")), nil
		},
	})
}

package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/activematrix/internal/agentstate"
	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/matrixclient"
	"github.com/basket/activematrix/internal/memory"
	"github.com/basket/activematrix/internal/router"
)

// DispatchMemory carries the calling agent's identity, memory tiers, and
// shared router into the Context a handler runs under. Every field is
// optional; a nil/empty field leaves the corresponding Context field
// nil/empty for handlers that don't need it.
type DispatchMemory struct {
	AgentID       string
	Agent         *memory.AgentMemory
	KnowledgeBase *memory.KnowledgeBase
	Router        *router.Router
}

var defaultPrefixes = []string{"!", "/"}

// DispatchConfig tunes the per-message dispatch contract.
type DispatchConfig struct {
	// Prefixes recognized at the start of a message body; defaults to
	// ["!", "/"] when empty.
	Prefixes []string
	// IgnoreOwn rejects commands sent by the bot's own account.
	IgnoreOwn bool
	// ReplyOnError sends the error text back to the room when a handler
	// fails, instead of only logging it.
	ReplyOnError bool
	Logger       *slog.Logger
}

// Dispatcher owns the command registry and applies the fixed five-step
// dispatch contract to every incoming room message.
type Dispatcher struct {
	registry *Registry
	cfg      DispatchConfig
	logger   *slog.Logger
}

// NewDispatcher builds a Dispatcher over reg.
func NewDispatcher(reg *Registry, cfg DispatchConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = defaultPrefixes
	}
	return &Dispatcher{registry: reg, cfg: cfg, logger: logger}
}

func messageBody(ev matrixapi.Event) (string, bool) {
	if ev.Type != "m.room.message" {
		return "", false
	}
	body, ok := ev.Content["body"].(string)
	return body, ok && body != ""
}

// Dispatch applies the dispatch contract to ev: prefix stripping and
// tokenizing, the ignore_own and visibility gates, handler invocation
// under an isolated error boundary with the agent state machine flipped
// to online_busy for the duration, and an optional error reply.
func (d *Dispatcher) Dispatch(ctx context.Context, state *agentstate.Machine, room *matrixclient.Room, client *matrixclient.Client, ev matrixapi.Event, mem DispatchMemory) {
	body, ok := messageBody(ev)
	if !ok {
		return
	}
	parsed, ok := Parse(body, d.cfg.Prefixes)
	if !ok {
		return
	}
	if d.cfg.IgnoreOwn && client != nil && ev.Sender == client.UserID() {
		return
	}
	entry, ok := d.registry.Get(parsed.Name)
	if !ok {
		return
	}

	cmdCtx := Context{
		Room:          room,
		Client:        client,
		Event:         ev,
		Args:          parsed.Args,
		Flags:         parsed.Flags,
		AgentID:       mem.AgentID,
		AgentMemory:   mem.Agent,
		KnowledgeBase: mem.KnowledgeBase,
		Router:        mem.Router,
	}
	if room != nil {
		if n, err := room.ParticipantCount(ctx); err == nil {
			cmdCtx.IsDirect = n == 2
		}
	}
	if !entry.Visibility(ctx, cmdCtx) {
		return
	}

	if state != nil {
		state.Fire(agentstate.EventStartProcessing)
		defer state.Fire(agentstate.EventFinishProcessing)
	}

	reply, err := d.invoke(entry, ctx, cmdCtx)
	if err != nil {
		d.logger.Error("command handler error",
			slog.String("command", parsed.Name), slog.String("sender", ev.Sender), slog.Any("error", err))
		if d.cfg.ReplyOnError && room != nil && client != nil {
			_, _ = client.API().SendMessage(ctx, room.ID(), "m.text", fmt.Sprintf("error running %s: %v", parsed.Name, err))
		}
		return
	}
	if reply != "" && room != nil && client != nil {
		_, _ = client.API().SendMessage(ctx, room.ID(), "m.text", reply)
	}
}

// invoke runs entry.Handler under panic recovery so one misbehaving
// command can never take down the dispatcher.
func (d *Dispatcher) invoke(entry *Entry, ctx context.Context, c Context) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return entry.Handler(ctx, c)
}

package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/activematrix/internal/bus"
	"github.com/basket/activematrix/internal/command"
	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/matrixclient"
	"github.com/basket/activematrix/internal/memory"
	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/router"
)

// bot adapts one agent's dispatch loop to matrixclient.Dispatcher: invites
// are auto-joined when the agent's record allows it, every event is routed
// through the shared event router for any agent-registered route to observe,
// room messages additionally update conversation memory and are handed to
// the shared command dispatcher under the agent's own state machine.
type bot struct {
	entry       *Entry
	dispatcher  *command.Dispatcher
	bus         *bus.Bus
	router      *router.Router
	store       *persistence.Store
	agentMemory *memory.AgentMemory
	kb          *memory.KnowledgeBase
	autoJoin    bool
	logger      *slog.Logger
}

func newBot(entry *Entry, dispatcher *command.Dispatcher, eventBus *bus.Bus, rtr *router.Router, store *persistence.Store, agentMemory *memory.AgentMemory, kb *memory.KnowledgeBase, autoJoin bool, logger *slog.Logger) *bot {
	return &bot{
		entry:       entry,
		dispatcher:  dispatcher,
		bus:         eventBus,
		router:      rtr,
		store:       store,
		agentMemory: agentMemory,
		kb:          kb,
		autoJoin:    autoJoin,
		logger:      logger,
	}
}

// route enqueues ev with the agent's own id so routes it has registered
// via Entry's AddRoute can match it, even for filters that leave AgentID
// unset (the router still requires AgentID on the resolver side to confirm
// the agent is live).
func (b *bot) route(roomID string, ev matrixapi.Event) {
	if b.router == nil {
		return
	}
	b.router.Dispatch(router.Event{
		RoomID:    roomID,
		EventType: ev.Type,
		UserID:    ev.Sender,
		Payload:   ev,
	})
}

func (b *bot) OnPresenceEvent(ctx context.Context, ev matrixapi.Event) {
	b.route("", ev)
}

func (b *bot) OnInviteEvent(ctx context.Context, roomID string, ev matrixapi.Event) {
	if !b.autoJoin {
		return
	}
	if err := b.entry.Client.API().JoinRoom(ctx, roomID); err != nil {
		b.logger.Warn("failed to auto-join invited room",
			slog.String("agent_id", b.entry.Record.ID), slog.String("room_id", roomID), slog.Any("error", err))
	}
}

func (b *bot) OnLeaveEvent(ctx context.Context, roomID string) {}

func (b *bot) OnRoomEvent(ctx context.Context, room *matrixclient.Room, ev matrixapi.Event) {
	if b.bus != nil {
		b.bus.Publish(bus.TopicAgentMessage, bus.AgentMessageEvent{
			AgentID: b.entry.Record.ID,
			RoomID:  room.ID(),
			Sender:  ev.Sender,
			EventID: ev.EventID,
		})
	}
	b.route(room.ID(), ev)
	b.recordMessage(ctx, room, ev)
	if b.dispatcher != nil {
		b.dispatcher.Dispatch(ctx, b.entry.State, room, b.entry.Client, ev, command.DispatchMemory{
			AgentID:       b.entry.Record.ID,
			Agent:         b.agentMemory,
			KnowledgeBase: b.kb,
			Router:        b.router,
		})
	}
}

// recordMessage appends incoming m.room.message events from other users to
// the conversation tier, bumping the agent's messages_handled counter and
// last_active_at as a side effect of the store's AppendMessage.
func (b *bot) recordMessage(ctx context.Context, room *matrixclient.Room, ev matrixapi.Event) {
	if b.store == nil || ev.Type != "m.room.message" || room == nil {
		return
	}
	if b.entry.Client != nil && ev.Sender == b.entry.Client.UserID() {
		return
	}
	body, ok := ev.Content["body"].(string)
	if !ok || body == "" {
		return
	}
	convo := memory.NewConversationMemory(b.store, b.entry.Record.ID, ev.Sender, room.ID())
	ts := time.UnixMilli(ev.OriginServerTS)
	if _, err := convo.AddMessage(ctx, persistence.MessageRecord{
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Content:   body,
		Timestamp: ts,
	}); err != nil {
		b.logger.Warn("failed to record conversation message",
			slog.String("agent_id", b.entry.Record.ID), slog.String("room_id", room.ID()), slog.Any("error", err))
	}
}

func (b *bot) OnStateEvent(ctx context.Context, room *matrixclient.Room, ev matrixapi.Event) {
	b.route(room.ID(), ev)
}

func (b *bot) OnEphemeralEvent(ctx context.Context, room *matrixclient.Room, ev matrixapi.Event) {
	b.route(room.ID(), ev)
}

// handleBroadcast is registered as this agent's BroadcastHandler so a
// knowledge base broadcast reaches the agent even when it has no route
// registered for "knowledge.broadcast": the event is mirrored onto the bus
// under the agent's own id and, when recognizable, cached in the agent's
// private memory so a later recall/get picks it up without a round trip to
// the knowledge base.
func (b *bot) handleBroadcast(ctx context.Context, ev router.Event) error {
	if b.bus != nil {
		b.bus.Publish(bus.TopicAgentMessage, bus.AgentMessageEvent{
			AgentID: b.entry.Record.ID,
			EventID: ev.EventType,
		})
	}
	if b.agentMemory == nil {
		return nil
	}
	if payload, ok := ev.Payload.(bus.KnowledgeBroadcastEvent); ok {
		return b.agentMemory.Set(ctx, "broadcast/"+payload.Key, payload.Value, 0)
	}
	return nil
}

var _ matrixclient.Dispatcher = (*bot)(nil)

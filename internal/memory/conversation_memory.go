package memory

import (
	"context"

	"github.com/basket/activematrix/internal/persistence"
)

// ConversationMemory wraps the ChatSession tier for one (agent, user, room)
// triple. Context updates are merge-writes; add_message is a
// single transactional operation on the persistence store.
type ConversationMemory struct {
	store   *persistence.Store
	agentID string
	userID  string
	roomID  string
}

// NewConversationMemory returns a ConversationMemory for one conversation.
func NewConversationMemory(store *persistence.Store, agentID, userID, roomID string) *ConversationMemory {
	return &ConversationMemory{store: store, agentID: agentID, userID: userID, roomID: roomID}
}

// Session returns the current session, creating an empty one if absent.
func (c *ConversationMemory) Session(ctx context.Context) (*persistence.ChatSession, error) {
	return c.store.GetOrCreateChatSession(ctx, c.agentID, c.userID, c.roomID)
}

// AddMessage appends a message to the conversation history, truncating to
// MaxHistorySize, and atomically bumps the owning agent's messages_handled
// counter and last_active_at timestamp.
func (c *ConversationMemory) AddMessage(ctx context.Context, msg persistence.MessageRecord) (*persistence.ChatSession, error) {
	return c.store.AppendMessage(ctx, c.agentID, c.userID, c.roomID, msg)
}

// MergeContext merges updates into the conversation's context map.
func (c *ConversationMemory) MergeContext(ctx context.Context, updates map[string]any) error {
	return c.store.MergeContext(ctx, c.agentID, c.userID, c.roomID, updates)
}

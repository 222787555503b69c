package bus

// Agent lifecycle and state topics.
const (
	TopicAgentStateChanged = "agent.state_changed"
	TopicAgentStarted      = "agent.started"
	TopicAgentStopped      = "agent.stopped"
	TopicAgentAlert        = "agent.alert"
)

// Conversation and knowledge base topics.
const (
	TopicAgentMessage          = "agent.message"
	TopicKnowledgeBroadcast    = "knowledge.broadcast"
	TopicConversationStale     = "conversation.reaped"
)

// AgentStateChangedEvent is published whenever an agent's lifecycle state
// transitions. Subscribers include the daemon's /status
// aggregation and the per-agent event log when log_agent_events is set.
type AgentStateChangedEvent struct {
	AgentID   string
	OldState  string
	NewState  string
	Reason    string
}

// AgentMessageEvent is published each time a room message is routed to an
// agent's command dispatcher, independent of whether a command matched.
type AgentMessageEvent struct {
	AgentID string
	RoomID  string
	Sender  string
	EventID string
}

// KnowledgeBroadcastEvent is published by the broadcast operation on the
// shared knowledge base so that every running agent can react
// to a newly published or updated key without polling the store.
type KnowledgeBroadcastEvent struct {
	Key   string
	Value string
}

// AgentAlert is published when an agent hits a condition operators should
// know about: repeated sync failures, a client pool exhaustion, etc.
type AgentAlert struct {
	AgentID  string
	Severity string // "info", "warning", or "error"
	Message  string
}

// AgentLifecycleEvent is published on TopicAgentStarted/TopicAgentStopped
// when an agent is registered into or removed from a process's registry,
// independent of its finer-grained state machine transitions.
type AgentLifecycleEvent struct {
	AgentID string
}

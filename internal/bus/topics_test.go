package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicAgentStateChanged:  true,
		TopicAgentStarted:       true,
		TopicAgentStopped:       true,
		TopicAgentAlert:         true,
		TopicAgentMessage:       true,
		TopicKnowledgeBroadcast: true,
		TopicConversationStale:  true,
	}
	for name, v := range topics {
		if !v || name == "" {
			t.Fatalf("topic constant is empty: %q", name)
		}
	}
	if len(topics) != 7 {
		t.Fatalf("expected 7 unique topics, got %d", len(topics))
	}
}

func TestAgentStateChangedEvent_Fields(t *testing.T) {
	ev := AgentStateChangedEvent{
		AgentID:  "a1",
		OldState: "starting",
		NewState: "online_idle",
		Reason:   "sync established",
	}
	if ev.AgentID == "" || ev.OldState == "" || ev.NewState == "" {
		t.Fatalf("expected all core fields populated, got %+v", ev)
	}
}

func TestKnowledgeBroadcastEvent_Fields(t *testing.T) {
	ev := KnowledgeBroadcastEvent{Key: "motd", Value: "hello"}
	if ev.Key == "" {
		t.Fatal("Key must not be empty")
	}
}

func TestAgentAlert_Severity(t *testing.T) {
	for _, sev := range []string{"info", "warning", "error"} {
		a := AgentAlert{AgentID: "a1", Severity: sev, Message: "test"}
		if a.Severity != sev {
			t.Fatalf("Severity mismatch: got %s, want %s", a.Severity, sev)
		}
	}
}

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/basket/activematrix/internal/config"
)

func TestShardAgents_SingleShardReturnsAllAgents(t *testing.T) {
	agents := []config.AgentConfigEntry{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}}
	got := shardAgents(agents, 0, 1)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
}

func TestShardAgents_RoundRobinsByIndex(t *testing.T) {
	agents := []config.AgentConfigEntry{
		{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}, {AgentID: "d"},
	}

	shard0 := shardAgents(agents, 0, 2)
	shard1 := shardAgents(agents, 1, 2)

	if len(shard0) != 2 || shard0[0].AgentID != "a" || shard0[1].AgentID != "c" {
		t.Fatalf("shard 0 = %+v, want [a c]", shard0)
	}
	if len(shard1) != 2 || shard1[0].AgentID != "b" || shard1[1].AgentID != "d" {
		t.Fatalf("shard 1 = %+v, want [b d]", shard1)
	}
}

func TestNewWorker_NoAgentsRunsAndStopsCleanly(t *testing.T) {
	cfg := config.Config{
		HomeDir:                 t.TempDir(),
		MaxClientsPerHomeserver: 1,
		ShutdownTimeoutSeconds:  1,
	}

	w, err := NewWorker(cfg, 0, 1, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop within deadline")
	}

	if counts := w.AgentCounts(); len(counts) != 0 {
		t.Fatalf("expected no agent counts, got %+v", counts)
	}
}

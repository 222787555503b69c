package reaper_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/reaper"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "activematrix.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReaper_RemovesExpiredAgentStoreEntries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.CreateAgent(ctx, persistence.AgentRecord{ID: "a1", Name: "smith", Homeserver: "h", Username: "u", BotClass: "EchoBot"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := store.SetAgentStoreValue(ctx, "a1", "k", "v", time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	r := reaper.New(reaper.Config{Store: store, Logger: slog.Default(), Interval: 20 * time.Millisecond})
	r.Start(ctx)
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		ok, err := store.ExistsAgentStoreValue(ctx, "a1", "k")
		return err == nil && !ok
	})
}

func TestReaper_Tick_RunsImmediately(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.SetKnowledgeBaseValue(ctx, "k", "v", "", time.Millisecond, true, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	r := reaper.New(reaper.Config{Store: store, Logger: slog.Default(), Interval: time.Hour})
	r.Tick(ctx)

	entry, err := store.GetKnowledgeBaseValue(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry != nil {
		t.Fatal("expected entry to already be treated as expired (TTL check), tick should have physically removed it too")
	}
}

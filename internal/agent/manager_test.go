package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/activematrix/internal/agentstate"
	"github.com/basket/activematrix/internal/bus"
	"github.com/basket/activematrix/internal/command"
	"github.com/basket/activematrix/internal/config"
	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/reaper"
	"github.com/basket/activematrix/internal/router"
)

// fakeHomeserver answers well-known discovery with itself (via the
// transport's own fallback), login, whoami, and sync with an
// empty-but-valid response so a Manager can drive a full startOne/stop
// cycle against something resembling a real homeserver.
func fakeHomeserver(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/matrix/client", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/_matrix/client/v3/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "@testbot:hs"})
	})
	mux.HandleFunc("/_matrix/client/v3/account/whoami", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "@testbot:hs"})
	})
	mux.HandleFunc("/_matrix/client/v3/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"next_batch": "s1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupTestManager(t *testing.T, agents []config.AgentConfigEntry) (*Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	eventBus := bus.New()
	registry := NewRegistry(store, eventBus)
	reap := reaper.New(reaper.Config{Store: store})
	resolver := registry
	rtr := router.New(router.Config{Resolver: resolver})
	dispatcher := command.NewDispatcher(command.NewRegistry(), command.DispatchConfig{})

	cfg := config.Config{
		MaxClientsPerHomeserver:      2,
		AgentStartupDelaySeconds:     0,
		AgentHealthCheckIntervalSecs: 30,
		Agents:                       agents,
	}

	m := NewManager(ManagerConfig{
		Config:     cfg,
		Store:      store,
		Bus:        eventBus,
		Registry:   registry,
		Router:     rtr,
		Reaper:     reap,
		Dispatcher: dispatcher,
	})
	return m, store
}

func TestManager_EnsureProvisionedCreatesMissingRecords(t *testing.T) {
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: "hs1", Username: "bot1", Password: "pw"},
	}
	m, store := setupTestManager(t, agents)

	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}
	rec, err := store.GetAgent(context.Background(), "bot1")
	if err != nil || rec == nil {
		t.Fatalf("expected bot1 to be provisioned, err=%v rec=%v", err, rec)
	}
	if rec.State != "offline" {
		t.Fatalf("expected newly provisioned agent to start offline, got %s", rec.State)
	}
}

func TestManager_EnsureProvisionedSkipsExistingRecords(t *testing.T) {
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: "hs1", Username: "bot1", Password: "pw"},
	}
	m, store := setupTestManager(t, agents)

	_ = store.CreateAgent(context.Background(), persistence.AgentRecord{
		ID: "bot1", Name: "bot1", Homeserver: "hs1", State: "online_idle", LastSyncToken: "s99",
	})
	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}
	rec, err := store.GetAgent(context.Background(), "bot1")
	if err != nil || rec == nil {
		t.Fatalf("expected bot1 record to still exist, err=%v", err)
	}
	if rec.LastSyncToken != "s99" {
		t.Fatalf("expected existing sync token to survive provisioning, got %q", rec.LastSyncToken)
	}
}

func TestManager_StartAllStartsEveryConfiguredAgent(t *testing.T) {
	srv := fakeHomeserver(t)
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: srv.URL, Username: "bot1", Password: "pw"},
		{AgentID: "bot2", Homeserver: srv.URL, Username: "bot2", Password: "pw"},
	}
	m, _ := setupTestManager(t, agents)
	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}

	m.StartAll(context.Background())
	t.Cleanup(func() { m.StopAll(time.Second) })

	if m.registry.Get("bot1") == nil || m.registry.Get("bot2") == nil {
		t.Fatal("expected both configured agents to be registered after StartAll")
	}
}

func TestManager_StartAllWarnsOnOrphanedPersistedRecord(t *testing.T) {
	srv := fakeHomeserver(t)
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: srv.URL, Username: "bot1", Password: "pw"},
	}
	m, store := setupTestManager(t, agents)
	_ = store.CreateAgent(context.Background(), persistence.AgentRecord{
		ID: "ghost", Name: "ghost", Homeserver: srv.URL, State: "online_idle",
	})

	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}
	m.StartAll(context.Background())
	t.Cleanup(func() { m.StopAll(time.Second) })

	if m.registry.Get("ghost") != nil {
		t.Fatal("expected the orphaned persisted record to not be started")
	}
	if m.registry.Get("bot1") == nil {
		t.Fatal("expected the configured agent to still start despite the orphan")
	}
}

func TestManager_TickRestartsDeadAgent(t *testing.T) {
	srv := fakeHomeserver(t)
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: srv.URL, Username: "bot1", Password: "pw"},
	}
	m, _ := setupTestManager(t, agents)
	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}
	if err := m.startOne(context.Background(), agents[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { m.StopAll(time.Second) })

	entry := m.registry.Get("bot1")
	if entry == nil {
		t.Fatal("expected bot1 to be registered after startOne")
	}
	close(entry.done)

	m.tick(context.Background())

	restarted := m.registry.Get("bot1")
	if restarted == nil {
		t.Fatal("expected bot1 to be re-registered after tick restarted it")
	}
	if restarted == entry {
		t.Fatal("expected tick to replace the dead entry with a freshly started one")
	}
}

func TestManager_TickLeavesHealthyAgentsAlone(t *testing.T) {
	srv := fakeHomeserver(t)
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: srv.URL, Username: "bot1", Password: "pw"},
	}
	m, _ := setupTestManager(t, agents)
	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}
	if err := m.startOne(context.Background(), agents[0]); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { m.StopAll(time.Second) })

	entry := m.registry.Get("bot1")
	m.tick(context.Background())

	if m.registry.Get("bot1") != entry {
		t.Fatal("expected a healthy agent's entry to be untouched by tick")
	}
}

func TestManager_StopAllStopsEveryRegisteredAgent(t *testing.T) {
	srv := fakeHomeserver(t)
	agents := []config.AgentConfigEntry{
		{AgentID: "bot1", Homeserver: srv.URL, Username: "bot1", Password: "pw"},
	}
	m, store := setupTestManager(t, agents)
	if err := m.EnsureProvisioned(context.Background()); err != nil {
		t.Fatalf("ensure provisioned: %v", err)
	}
	if err := m.startOne(context.Background(), agents[0]); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.StopAll(2 * time.Second)

	if m.registry.Get("bot1") != nil {
		t.Fatal("expected bot1 to be unregistered after StopAll")
	}
	rec, err := store.GetAgent(context.Background(), "bot1")
	if err != nil || rec == nil {
		t.Fatalf("expected bot1's record to survive stop, err=%v", err)
	}
	if rec.State != string(agentstate.Offline) {
		t.Fatalf("expected bot1 to be persisted as offline after stop, got %s", rec.State)
	}
}

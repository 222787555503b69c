package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/activematrix/internal/agentstate"
	"github.com/basket/activematrix/internal/bus"
	"github.com/basket/activematrix/internal/clientpool"
	"github.com/basket/activematrix/internal/command"
	"github.com/basket/activematrix/internal/config"
	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/matrixclient"
	"github.com/basket/activematrix/internal/memory"
	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/reaper"
	"github.com/basket/activematrix/internal/router"
	"github.com/basket/activematrix/internal/transport"
)

const inactivityWarnThreshold = 5 * time.Minute

// Manager owns the full lifecycle of every agent configured to run in this
// process: provisioning their persisted records, starting their sync
// loops with a configurable stagger, periodically checking they're still
// alive, and stopping them all on shutdown.
type Manager struct {
	cfg        config.Config
	store      *persistence.Store
	bus        *bus.Bus
	registry   *Registry
	router     *router.Router
	kb         *memory.KnowledgeBase
	pool       *clientpool.Pool[*transport.Client]
	reaper     *reaper.Reaper
	dispatcher *command.Dispatcher
	logger     *slog.Logger

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// ManagerConfig bundles the Manager's dependencies.
type ManagerConfig struct {
	Config     config.Config
	Store      *persistence.Store
	Bus        *bus.Bus
	Registry      *Registry
	Router        *router.Router
	KnowledgeBase *memory.KnowledgeBase
	Reaper        *reaper.Reaper
	Dispatcher    *command.Dispatcher
	Logger        *slog.Logger
}

// NewManager builds a Manager. The client pool gates concurrent client
// creation per homeserver at max_clients_per_homeserver.
func NewManager(mc ManagerConfig) *Manager {
	logger := mc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:        mc.Config,
		store:      mc.Store,
		bus:        mc.Bus,
		registry:   mc.Registry,
		router:     mc.Router,
		kb:         mc.KnowledgeBase,
		reaper:     mc.Reaper,
		dispatcher: mc.Dispatcher,
		logger:     logger,
	}
	m.pool = clientpool.New(m.buildTransport, mc.Config.MaxClientsPerHomeserver)
	return m
}

// EnsureProvisioned creates a persisted record for every agent named in
// config.yaml that the store doesn't already know about, leaving existing
// records (and their state/sync token history) untouched.
func (m *Manager) EnsureProvisioned(ctx context.Context) error {
	for _, a := range m.cfg.Agents {
		existing, err := m.store.GetAgent(ctx, a.AgentID)
		if err != nil {
			return fmt.Errorf("check agent %s: %w", a.AgentID, err)
		}
		if existing != nil {
			continue
		}
		rec := persistence.AgentRecord{
			ID:         a.AgentID,
			Name:       a.DisplayName,
			Homeserver: a.Homeserver,
			Username:   a.Username,
			BotClass:   a.BotClass,
			State:      "offline",
		}
		if rec.Name == "" {
			rec.Name = a.AgentID
		}
		if err := m.store.CreateAgent(ctx, rec); err != nil {
			return fmt.Errorf("provision agent %s: %w", a.AgentID, err)
		}
	}
	return nil
}

// buildTransport is the clientpool factory: homeserver discovery plus the
// HTTP transport construction are the parts worth rate-limiting per
// homeserver, since they're what actually touch the network before an
// agent can do anything. The matrixclient.Client built on top is cheap,
// in-memory construction and is built unconditionally afterward.
func (m *Manager) buildTransport(ctx context.Context, homeserver string) (*transport.Client, error) {
	baseURL, err := matrixapi.DiscoverBaseURL(ctx, homeserver)
	if err != nil {
		return nil, err
	}
	return transport.New(baseURL, "", transport.WithLogger(m.logger)), nil
}

// StartAll starts every agent configured in config.yaml, staggered by
// agent_startup_delay. Every configured agent is a startup candidate on
// each daemon launch regardless of its last-persisted state — state only
// reflects observed liveness for diagnostics, not an operator's intent to
// keep the agent disabled (there is no separate "disable" verb in scope).
func (m *Manager) StartAll(ctx context.Context) {
	delay := m.cfg.AgentStartupDelay()
	for i, a := range m.cfg.Agents {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if err := m.startOne(ctx, a); err != nil {
			m.logger.Error("failed to start agent", slog.String("agent_id", a.AgentID), slog.Any("error", err))
		}
	}

	if orphans, err := m.store.ListAgentsNotOffline(ctx); err == nil {
		configured := make(map[string]bool, len(m.cfg.Agents))
		for _, a := range m.cfg.Agents {
			configured[a.AgentID] = true
		}
		for _, rec := range orphans {
			if !configured[rec.ID] {
				m.logger.Warn("persisted agent has no matching config entry, not started",
					slog.String("agent_id", rec.ID), slog.String("last_state", rec.State))
			}
		}
	}
}

func (m *Manager) startOne(ctx context.Context, a config.AgentConfigEntry) error {
	rec, err := m.store.GetAgent(ctx, a.AgentID)
	if err != nil {
		return fmt.Errorf("load agent record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("agent %s has no persisted record; call EnsureProvisioned first", a.AgentID)
	}

	state := agentstate.New()
	state.Fire(agentstate.EventConnect)
	_ = m.store.UpdateAgentState(ctx, a.AgentID, string(state.Current()), false, "")

	t, err := m.pool.Acquire(ctx, a.Homeserver)
	if err != nil {
		state.Fire(agentstate.EventEncounterError)
		_ = m.store.UpdateAgentState(ctx, a.AgentID, string(state.Current()), false, err.Error())
		return fmt.Errorf("acquire transport: %w", err)
	}
	if a.AccessToken != "" {
		t.SetAccessToken(a.AccessToken)
	}

	entry := &Entry{
		Record:    *rec,
		State:     state,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	agentMem := memory.NewAgentMemory(m.store, a.AgentID, nil)
	bot := newBot(entry, m.dispatcher, m.bus, m.router, m.store, agentMem, m.kb, a.AutoJoin, m.logger)
	entry.Client = matrixclient.New(matrixclient.Config{
		Transport:  t,
		CacheMode:  matrixclient.CacheAll,
		Dispatcher: bot,
		Logger:     m.logger,
	})

	if a.AccessToken != "" {
		userID, err := entry.Client.API().Whoami(ctx)
		if err != nil {
			state.Fire(agentstate.EventEncounterError)
			_ = m.store.UpdateAgentState(ctx, a.AgentID, string(state.Current()), false, err.Error())
			return fmt.Errorf("whoami: %w", err)
		}
		entry.Client.SetUserID(userID)
	} else {
		resp, err := entry.Client.API().Login(ctx, a.Username, a.Password)
		if err != nil {
			state.Fire(agentstate.EventEncounterError)
			_ = m.store.UpdateAgentState(ctx, a.AgentID, string(state.Current()), false, err.Error())
			return fmt.Errorf("login: %w", err)
		}
		entry.Client.SetUserID(resp.UserID)
	}

	if rec.LastSyncToken != "" {
		entry.Client.SetSyncToken(rec.LastSyncToken)
	}

	if err := m.registry.Add(entry); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	m.registry.SetBroadcastHandler(a.AgentID, bot.handleBroadcast)

	state.Fire(agentstate.EventConnectionEstablished)
	_ = m.store.UpdateAgentState(ctx, a.AgentID, string(state.Current()), true, "")

	runCtx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel
	go m.runSyncLoop(runCtx, entry)

	m.logger.Info("agent started", slog.String("agent_id", a.AgentID), slog.String("homeserver", a.Homeserver))
	return nil
}

func (m *Manager) runSyncLoop(ctx context.Context, entry *Entry) {
	defer close(entry.done)
	if err := entry.Client.Start(ctx); err != nil {
		m.logger.Error("agent sync loop exited with error",
			slog.String("agent_id", entry.Record.ID), slog.Any("error", err))
		entry.State.Fire(agentstate.EventEncounterError)
		_ = m.store.UpdateAgentState(context.Background(), entry.Record.ID, string(entry.State.Current()), false, err.Error())
		return
	}
	_ = m.store.UpdateSyncToken(context.Background(), entry.Record.ID, entry.Client.SyncToken())
	entry.State.Fire(agentstate.EventDisconnect)
	_ = m.store.UpdateAgentState(context.Background(), entry.Record.ID, string(entry.State.Current()), false, "")
}

// StartMonitor launches the periodic health-check tick: dead sync loops
// are unregistered, marked errored, and restarted; long-idle agents are
// logged; the reaper's sweep runs inline on the same tick.
func (m *Manager) StartMonitor(ctx context.Context) {
	ctx, m.monitorCancel = context.WithCancel(ctx)
	interval := m.cfg.AgentHealthCheckInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.monitorWG.Add(1)
	go func() {
		defer m.monitorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// StopMonitor halts the health-check loop.
func (m *Manager) StopMonitor() {
	if m.monitorCancel != nil {
		m.monitorCancel()
	}
	m.monitorWG.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	for _, entry := range m.registry.All() {
		if !entry.Alive() {
			m.logger.Warn("agent sync loop is dead, restarting", slog.String("agent_id", entry.Record.ID))
			m.registry.Remove(entry.Record.ID)
			entry.State.Fire(agentstate.EventEncounterError)
			_ = m.store.UpdateAgentState(ctx, entry.Record.ID, string(entry.State.Current()), false, "sync loop exited unexpectedly")
			for _, a := range m.cfg.Agents {
				if a.AgentID == entry.Record.ID {
					if err := m.startOne(ctx, a); err != nil {
						m.logger.Error("failed to restart agent", slog.String("agent_id", a.AgentID), slog.Any("error", err))
					}
					break
				}
			}
			continue
		}
		if !entry.State.LastActiveAt().IsZero() && time.Since(entry.State.LastActiveAt()) > inactivityWarnThreshold {
			m.logger.Warn("agent has been inactive",
				slog.String("agent_id", entry.Record.ID), slog.Duration("since", time.Since(entry.State.LastActiveAt())))
		}
	}

	if m.reaper != nil {
		m.reaper.Tick(ctx)
	}
}

// StopAll signals every running agent to stop its sync loop, waits up to
// grace for clean exits, then gives up on any residuals (their goroutines
// continue until their own context is separately cancelled by the caller).
func (m *Manager) StopAll(grace time.Duration) {
	entries := m.registry.All()
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			_ = e.Client.Stop(stopCtx)
			if e.cancel != nil {
				e.cancel()
			}
			e.State.Fire(agentstate.EventDisconnect)
			_ = m.store.UpdateAgentState(context.Background(), e.Record.ID, string(e.State.Current()), false, "")
			m.registry.Remove(e.Record.ID)
		}(entry)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("stop-all grace period expired with agents still stopping")
	}
}

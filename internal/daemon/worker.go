package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/activematrix/internal/agent"
	"github.com/basket/activematrix/internal/agentstate"
	"github.com/basket/activematrix/internal/bus"
	"github.com/basket/activematrix/internal/command"
	"github.com/basket/activematrix/internal/config"
	"github.com/basket/activematrix/internal/memory"
	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/reaper"
	"github.com/basket/activematrix/internal/router"
)

// Worker owns one shard's full runtime stack: its own store handle, bus,
// registry, router, reaper, command dispatcher, and agent manager. One
// worker runs per child process when shard_count > 1; with shard_count == 1
// (the default) the coordinator runs a single Worker in-process, skipping
// the fork entirely.
type Worker struct {
	Shard int
	Total int

	cfg       config.Config
	logger    *slog.Logger
	store     *persistence.Store
	bus       *bus.Bus
	registry  *agent.Registry
	router    *router.Router
	kb        *memory.KnowledgeBase
	reaper    *reaper.Reaper
	manager   *agent.Manager
	startedAt time.Time
}

// shardAgents returns the subset of cfg.Agents assigned to (shard, total)
// by round-robin over configuration order.
func shardAgents(agents []config.AgentConfigEntry, shard, total int) []config.AgentConfigEntry {
	if total <= 1 {
		return agents
	}
	var out []config.AgentConfigEntry
	for i, a := range agents {
		if i%total == shard {
			out = append(out, a)
		}
	}
	return out
}

// NewWorker builds a Worker for the given shard, opening its own database
// connection (every worker re-initializes its own, even in single-process
// mode, so that sharded and unsharded startup share one code path).
func NewWorker(cfg config.Config, shard, total int, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbPath := filepath.Join(cfg.HomeDir, fmt.Sprintf("activematrix-%d.db", shard))
	if total <= 1 {
		dbPath = filepath.Join(cfg.HomeDir, "activematrix.db")
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	shardCfg := cfg
	shardCfg.Agents = shardAgents(cfg.Agents, shard, total)

	eventBus := bus.New()
	registry := agent.NewRegistry(store, eventBus)
	rtr := router.New(router.Config{
		Resolver:       registry,
		QueueSize:      cfg.EventQueueSize,
		HandlerTimeout: cfg.EventProcessingTimeout(),
		Logger:         logger,
	})
	reap := reaper.New(reaper.Config{
		Store:      store,
		Logger:     logger,
		Interval:   cfg.MemoryCleanupInterval(),
		StaleAfter: cfg.ConversationStaleAfter(),
	})

	kb := memory.NewKnowledgeBase(store, eventBus)
	kb.SetRouter(rtr)

	cmdRegistry := command.NewRegistry()
	dispatcher := command.NewDispatcher(cmdRegistry, command.DispatchConfig{
		IgnoreOwn:    true,
		ReplyOnError: true,
		Logger:       logger,
	})

	w := &Worker{
		Shard:     shard,
		Total:     total,
		cfg:       shardCfg,
		logger:    logger,
		store:     store,
		bus:       eventBus,
		registry:  registry,
		router:    rtr,
		kb:        kb,
		reaper:    reap,
		startedAt: time.Now(),
	}
	command.RegisterBuiltins(cmdRegistry, command.BuiltinConfig{Status: workerStatusProvider{w: w}})

	w.manager = agent.NewManager(agent.ManagerConfig{
		Config:        shardCfg,
		Store:         store,
		Bus:           eventBus,
		Registry:      registry,
		Router:        rtr,
		KnowledgeBase: kb,
		Reaper:        reap,
		Dispatcher:    dispatcher,
		Logger:        logger,
	})
	return w, nil
}

// workerStatusProvider adapts a Worker to command.StatusProvider without
// internal/command importing internal/agent.
type workerStatusProvider struct {
	w *Worker
}

func (p workerStatusProvider) AgentState() string {
	if p.w == nil {
		return "unknown"
	}
	counts := p.w.registry.CountByState()
	busiest := agentstate.Offline
	for state, n := range counts {
		if n > 0 && state != agentstate.Offline {
			busiest = state
			break
		}
	}
	return string(busiest)
}

func (p workerStatusProvider) Uptime() time.Duration {
	if p.w == nil {
		return 0
	}
	return time.Since(p.w.startedAt)
}

// Run provisions and starts every agent in this shard, runs the monitor
// loop, and blocks until ctx is cancelled, at which point it stops every
// agent within the configured shutdown grace period.
func (w *Worker) Run(ctx context.Context) error {
	w.router.Start(ctx)

	if err := w.manager.EnsureProvisioned(ctx); err != nil {
		return fmt.Errorf("provision agents: %w", err)
	}
	w.manager.StartAll(ctx)
	w.manager.StartMonitor(ctx)

	<-ctx.Done()

	w.manager.StopMonitor()
	w.manager.StopAll(w.cfg.ShutdownTimeout())
	w.router.Stop()
	return w.store.Close()
}

// AgentCounts reports live per-state agent counts for this shard, for the
// probe server's /status and /metrics handlers.
func (w *Worker) AgentCounts() map[string]int {
	counts := w.registry.CountByState()
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	return out
}

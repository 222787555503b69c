// Package reaper runs the periodic memory-tier cleanup sweep: expired
// AgentStore entries, expired KnowledgeBase entries, and stale
// ChatSessions, all on a single fixed-interval tick.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/activematrix/internal/persistence"
)

// Config holds the dependencies for the reaper loop.
type Config struct {
	Store       *persistence.Store
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1h if zero
	StaleAfter  time.Duration // chat session staleness threshold
}

// Reaper periodically deletes expired and stale rows from the persistence
// store. It never touches live agent state, only derived/ephemeral data.
type Reaper struct {
	store      *persistence.Store
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper with the given config.
func New(cfg Config) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:      cfg.Store,
		logger:     logger,
		interval:   interval,
		staleAfter: cfg.StaleAfter,
	}
}

// Start begins the reaper loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", "interval", r.interval)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Tick runs one cleanup sweep immediately. Exported so the daemon's monitor
// loop can force an off-cycle sweep during shutdown.
func (r *Reaper) Tick(ctx context.Context) {
	r.tick(ctx)
}

func (r *Reaper) tick(ctx context.Context) {
	now := time.Now()

	if n, err := r.store.ReapExpiredAgentStore(ctx, now); err != nil {
		r.logger.Error("reaper: agent store sweep failed", "error", err)
	} else if n > 0 {
		r.logger.Info("reaper: expired agent store entries removed", "count", n)
	}

	if n, err := r.store.ReapExpiredKnowledgeBase(ctx, now); err != nil {
		r.logger.Error("reaper: knowledge base sweep failed", "error", err)
	} else if n > 0 {
		r.logger.Info("reaper: expired knowledge base entries removed", "count", n)
	}

	if r.staleAfter > 0 {
		if n, err := r.store.ReapStaleChatSessions(ctx, r.staleAfter, now); err != nil {
			r.logger.Error("reaper: chat session sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("reaper: stale chat sessions removed", "count", n)
		}
	}
}

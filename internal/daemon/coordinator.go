// Package daemon wires together everything cmd/activematrixd needs to run
// as a long-lived process: sharding agents across worker child processes,
// signal handling in the parent, and the health/status/metrics probe
// server. Grounded on cmd/goclaw/main.go's signal.NotifyContext shutdown
// handling, extended to the full TERM/INT/HUP/USR1/USR2 set and to the
// fork-per-shard model the teacher's single-process daemon never needed.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/basket/activematrix/internal/config"
	"github.com/basket/activematrix/internal/metrics"
)

// ShardCountEnv and ShardIndexEnv tell a re-exec'd child process which
// shard of the agent list it owns.
const (
	ShardCountEnv = "ACTIVEMATRIX_SHARD_COUNT"
	ShardIndexEnv = "ACTIVEMATRIX_SHARD_INDEX"
)

// Config bundles the coordinator's tunables, mostly populated from CLI
// flags in cmd/activematrixd.
type Config struct {
	ActiveMatrix config.Config
	WorkerCount  int
	ProbeAddr    string
	Logger       *slog.Logger
}

// Coordinator is the parent-process supervisor: it shards agents across
// WorkerCount child processes (or runs a single in-process Worker when
// WorkerCount <= 1), installs signal handlers, and serves the probe HTTP
// endpoints.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
	metrics   *metrics.Registry
	probe     *ProbeServer

	mu       sync.Mutex
	stopping bool

	// single-process mode
	inProcessWorker *Worker

	// forked mode
	children []*childProc
}

type childProc struct {
	shard int
	cmd   *exec.Cmd
}

// New builds a Coordinator. Call Run to start it.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(nil),
	}
	c.probe = NewProbeServer(cfg.ProbeAddr, c, c.metrics, logger)
	return c
}

// StatusSource implementation, used directly by the probe server.

func (c *Coordinator) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Coordinator) Uptime() time.Duration { return time.Since(c.startedAt) }

func (c *Coordinator) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProcessWorker != nil {
		return 1
	}
	return len(c.children)
}

// AgentCounts reports live per-state agent counts. In forked mode this
// daemon has no cross-process channel back from its children, so it
// reports zero counts with workers/up still meaningful; operators running a
// sharded deployment get full agent detail from hitting an individual
// worker's own probe port (probe_port + shard index).
func (c *Coordinator) AgentCounts() map[string]int {
	c.mu.Lock()
	w := c.inProcessWorker
	c.mu.Unlock()
	if w == nil {
		return map[string]int{}
	}
	return w.AgentCounts()
}

// Run is the coordinator's main loop: start workers, serve the probe, wait
// for a shutdown signal, then stop everything within the shutdown grace
// period. Returns once shutdown is complete.
func (c *Coordinator) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	c.metrics.Up.Set(1)
	c.probe.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.probe.Stop(stopCtx)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	watcher := config.NewWatcher(c.cfg.ActiveMatrix.HomeDir, c.logger)
	if err := watcher.Start(runCtx); err != nil {
		c.logger.Warn("config watcher failed to start", slog.Any("error", err))
	}
	watchEvents := watcher.Events()

	errCh := make(chan error, 1)
	if c.cfg.WorkerCount <= 1 {
		w, err := NewWorker(c.cfg.ActiveMatrix, 0, 1, c.logger)
		if err != nil {
			return fmt.Errorf("build worker: %w", err)
		}
		c.mu.Lock()
		c.inProcessWorker = w
		c.mu.Unlock()
		go func() { errCh <- w.Run(runCtx) }()
	} else {
		if err := c.forkChildren(runCtx); err != nil {
			return fmt.Errorf("fork children: %w", err)
		}
		go c.superviseChildren(runCtx, errCh)
	}

	c.metrics.Workers.Set(float64(c.WorkerCount()))
	go c.reportMetrics(runCtx)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				c.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
				c.beginStopping()
				cancelRun()
				<-errCh
				return nil
			case syscall.SIGHUP:
				c.logger.Info("reload signal received, forwarding to children")
				c.forwardSignal(syscall.SIGHUP)
			case syscall.SIGUSR1:
				c.logger.Info("reopen-logs signal received, forwarding to children")
				c.forwardSignal(syscall.SIGUSR1)
			case syscall.SIGUSR2:
				c.dumpDebugStatus()
			}
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			c.logger.Info("config.yaml changed on disk, forwarding reload to children",
				slog.String("path", ev.Path))
			c.forwardSignal(syscall.SIGHUP)
		case err := <-errCh:
			if err != nil {
				c.logger.Error("worker exited with error", slog.Any("error", err))
			}
			return err
		}
	}
}

// reportMetrics periodically refreshes the uptime and agent-state gauges
// until ctx is cancelled.
func (c *Coordinator) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.metrics.Uptime.Set(c.Uptime().Seconds())
			c.metrics.Workers.Set(float64(c.WorkerCount()))
			c.metrics.SetAgentCounts(c.AgentCounts())
		}
	}
}

func (c *Coordinator) beginStopping() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.metrics.Up.Set(0)
}

func (c *Coordinator) dumpDebugStatus() {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	c.logger.Info("debug dump requested",
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Any("agent_counts", c.AgentCounts()),
		slog.String("stack", string(buf[:n])))
}

// forkChildren re-execs this binary once per shard, passing shard
// coordinates via environment variables so each child's own main()
// re-initializes its own database connection and agent manager.
func (c *Coordinator) forkChildren(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	for i := 0; i < c.cfg.WorkerCount; i++ {
		cmd := exec.Command(exe, os.Args[1:]...)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", ShardCountEnv, c.cfg.WorkerCount),
			fmt.Sprintf("%s=%d", ShardIndexEnv, i))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start worker shard %d: %w", i, err)
		}
		c.mu.Lock()
		c.children = append(c.children, &childProc{shard: i, cmd: cmd})
		c.mu.Unlock()
		c.logger.Info("worker shard started", slog.Int("shard", i), slog.Int("pid", cmd.Process.Pid))
	}
	return nil
}

// superviseChildren waits on every child and respawns any that exit
// unexpectedly while the daemon isn't shutting down, to maintain N.
func (c *Coordinator) superviseChildren(ctx context.Context, errCh chan<- error) {
	exited := make(chan *childProc, c.cfg.WorkerCount)
	c.mu.Lock()
	children := append([]*childProc(nil), c.children...)
	c.mu.Unlock()

	for _, child := range children {
		go func(ch *childProc) {
			_ = ch.cmd.Wait()
			exited <- ch
		}(child)
	}

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			for _, child := range c.children {
				_ = child.cmd.Process.Signal(syscall.SIGTERM)
			}
			c.mu.Unlock()
			done := make(chan struct{})
			go func() {
				for range c.children {
					<-exited
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(c.cfg.ActiveMatrix.ShutdownTimeout()):
				c.mu.Lock()
				for _, child := range c.children {
					_ = child.cmd.Process.Kill()
				}
				c.mu.Unlock()
			}
			errCh <- nil
			return
		case child := <-exited:
			if c.Stopping() {
				continue
			}
			c.logger.Warn("worker shard exited unexpectedly, respawning", slog.Int("shard", child.shard))
			if err := c.respawn(child, exited); err != nil {
				c.logger.Error("failed to respawn worker shard", slog.Int("shard", child.shard), slog.Any("error", err))
			}
		}
	}
}

func (c *Coordinator) respawn(dead *childProc, exited chan<- *childProc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", ShardCountEnv, c.cfg.WorkerCount),
		fmt.Sprintf("%s=%d", ShardIndexEnv, dead.shard))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	replacement := &childProc{shard: dead.shard, cmd: cmd}
	c.mu.Lock()
	for i, ch := range c.children {
		if ch == dead {
			c.children[i] = replacement
			break
		}
	}
	c.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		exited <- replacement
	}()
	return nil
}

func (c *Coordinator) forwardSignal(sig syscall.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, child := range c.children {
		_ = child.cmd.Process.Signal(sig)
	}
}

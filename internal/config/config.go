// Package config loads and validates the daemon's runtime configuration:
// homeserver credentials, per-agent bot definitions, and the tuning knobs
// for the scheduler, memory tiers, event router, and client pool.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfigEntry defines a named bot agent to create on startup.
type AgentConfigEntry struct {
	AgentID     string `yaml:"agent_id"`
	DisplayName string `yaml:"display_name"`
	Homeserver  string `yaml:"homeserver"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password,omitempty"`
	AccessToken string `yaml:"access_token,omitempty"`
	BotClass    string `yaml:"bot_class"`
	// AutoJoin, when true, makes the agent accept every room invite it receives.
	AutoJoin bool `yaml:"auto_join"`
}

// Config is the daemon's fully resolved runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	MaxAgentsPerProcess int `yaml:"max_agents_per_process"`

	AgentStartupDelaySeconds     int `yaml:"agent_startup_delay"`
	AgentHealthCheckIntervalSecs int `yaml:"agent_health_check_interval"`

	ConversationHistoryLimit   int `yaml:"conversation_history_limit"`
	ConversationStaleAfterSecs int `yaml:"conversation_stale_after"`
	MemoryCleanupIntervalSecs  int `yaml:"memory_cleanup_interval"`

	EventQueueSize            int `yaml:"event_queue_size"`
	EventProcessingTimeoutSec int `yaml:"event_processing_timeout"`

	MaxClientsPerHomeserver int `yaml:"max_clients_per_homeserver"`
	ClientIdleTimeoutSecs   int `yaml:"client_idle_timeout"`

	AgentLogLevel   string `yaml:"agent_log_level"`
	LogAgentEvents  bool   `yaml:"log_agent_events"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout"`

	Agents []AgentConfigEntry `yaml:"agents"`

	NeedsGenesis bool `yaml:"-"`
}

// AgentStartupDelay returns the configured inter-launch delay as a Duration.
func (c Config) AgentStartupDelay() time.Duration {
	return time.Duration(c.AgentStartupDelaySeconds) * time.Second
}

// AgentHealthCheckInterval returns the monitor tick interval.
func (c Config) AgentHealthCheckInterval() time.Duration {
	return time.Duration(c.AgentHealthCheckIntervalSecs) * time.Second
}

// ConversationStaleAfter returns the chat-session reap threshold.
func (c Config) ConversationStaleAfter() time.Duration {
	return time.Duration(c.ConversationStaleAfterSecs) * time.Second
}

// MemoryCleanupInterval returns the reaper tick interval.
func (c Config) MemoryCleanupInterval() time.Duration {
	return time.Duration(c.MemoryCleanupIntervalSecs) * time.Second
}

// EventProcessingTimeout returns the per-route deadline.
func (c Config) EventProcessingTimeout() time.Duration {
	return time.Duration(c.EventProcessingTimeoutSec) * time.Second
}

// ClientIdleTimeout returns the client-pool eviction threshold.
func (c Config) ClientIdleTimeout() time.Duration {
	return time.Duration(c.ClientIdleTimeoutSecs) * time.Second
}

// ShutdownTimeout returns the grace period for stop-all.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a SIGHUP reload actually changed anything worth re-logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|maxagents=%d|startup=%d|health=%d|histlimit=%d|stale=%d|cleanup=%d|queue=%d|evttimeout=%d|maxclients=%d|idle=%d",
		c.BindAddr, c.LogLevel, c.MaxAgentsPerProcess, c.AgentStartupDelaySeconds,
		c.AgentHealthCheckIntervalSecs, c.ConversationHistoryLimit, c.ConversationStaleAfterSecs,
		c.MemoryCleanupIntervalSecs, c.EventQueueSize, c.EventProcessingTimeoutSec,
		c.MaxClientsPerHomeserver, c.ClientIdleTimeoutSecs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                     "127.0.0.1:18789",
		LogLevel:                     "info",
		MaxAgentsPerProcess:          10,
		AgentStartupDelaySeconds:     2,
		AgentHealthCheckIntervalSecs: 30,
		ConversationHistoryLimit:     20,
		ConversationStaleAfterSecs:   int((24 * time.Hour).Seconds()),
		MemoryCleanupIntervalSecs:    int((time.Hour).Seconds()),
		EventQueueSize:               1000,
		EventProcessingTimeoutSec:    30,
		MaxClientsPerHomeserver:      5,
		ClientIdleTimeoutSecs:        int((5 * time.Minute).Seconds()),
		AgentLogLevel:                "info",
		LogAgentEvents:               false,
		ShutdownTimeoutSeconds:       30,
	}
}

// HomeDir returns the daemon's state directory, honoring ACTIVEMATRIX_HOME.
func HomeDir() string {
	if override := os.Getenv("ACTIVEMATRIX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".activematrix")
}

// Load reads config.yaml from HomeDir, applies environment overrides, and
// normalizes defaults. If no config.yaml exists yet, NeedsGenesis is set
// and a default config is returned so the daemon can still start with
// zero agents configured.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create activematrix home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AgentLogLevel == "" {
		cfg.AgentLogLevel = cfg.LogLevel
	}
	if cfg.MaxAgentsPerProcess <= 0 {
		cfg.MaxAgentsPerProcess = 10
	}
	if cfg.AgentHealthCheckIntervalSecs <= 0 {
		cfg.AgentHealthCheckIntervalSecs = 30
	}
	if cfg.ConversationHistoryLimit <= 0 {
		cfg.ConversationHistoryLimit = 20
	}
	if cfg.MemoryCleanupIntervalSecs <= 0 {
		cfg.MemoryCleanupIntervalSecs = int((time.Hour).Seconds())
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 1000
	}
	if cfg.EventProcessingTimeoutSec <= 0 {
		cfg.EventProcessingTimeoutSec = 30
	}
	if cfg.MaxClientsPerHomeserver <= 0 {
		cfg.MaxClientsPerHomeserver = 5
	}
	if cfg.ClientIdleTimeoutSecs <= 0 {
		cfg.ClientIdleTimeoutSecs = int((5 * time.Minute).Seconds())
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 30
	}
	for i := range cfg.Agents {
		if strings.TrimSpace(cfg.Agents[i].BotClass) == "" {
			cfg.Agents[i].BotClass = "EchoBot"
		}
	}
}

// validate ensures each configured agent authenticates one way or another
// and that agent IDs are unique within the process.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		if agent.AgentID == "" {
			return fmt.Errorf("agent entry missing agent_id")
		}
		if seen[agent.AgentID] {
			return fmt.Errorf("duplicate agent_id %q in config.yaml", agent.AgentID)
		}
		seen[agent.AgentID] = true
		if agent.Homeserver == "" {
			return fmt.Errorf("agent %s: homeserver is required", agent.AgentID)
		}
		if agent.AccessToken == "" && (agent.Username == "" || agent.Password == "") {
			return fmt.Errorf("agent %s: requires access_token, or username+password", agent.AgentID)
		}
	}
	if len(cfg.Agents) > cfg.MaxAgentsPerProcess {
		return fmt.Errorf("config lists %d agents, exceeding max_agents_per_process (%d); shard across processes", len(cfg.Agents), cfg.MaxAgentsPerProcess)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ACTIVEMATRIX_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ACTIVEMATRIX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ACTIVEMATRIX_AGENT_LOG_LEVEL"); raw != "" {
		cfg.AgentLogLevel = raw
	}
	if raw := os.Getenv("ACTIVEMATRIX_MAX_AGENTS_PER_PROCESS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAgentsPerProcess = v
		}
	}
	if raw := os.Getenv("ACTIVEMATRIX_SHUTDOWN_TIMEOUT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ShutdownTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ACTIVEMATRIX_LOG_AGENT_EVENTS"); raw != "" {
		cfg.LogAgentEvents = raw == "1" || strings.EqualFold(raw, "true")
	}
}

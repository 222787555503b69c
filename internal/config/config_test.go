package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/activematrix/internal/config"
)

func TestLoad_FromActiveMatrixHome(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`
bind_addr: "127.0.0.1:19000"
max_agents_per_process: 3
agents:
  - agent_id: smith
    homeserver: "https://hs.example"
    username: "bot.smith"
    access_token: "tok"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ACTIVEMATRIX_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:19000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.MaxAgentsPerProcess != 3 {
		t.Fatalf("max_agents_per_process = %d", cfg.MaxAgentsPerProcess)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].AgentID != "smith" {
		t.Fatalf("unexpected agents: %+v", cfg.Agents)
	}
	if cfg.Agents[0].BotClass != "EchoBot" {
		t.Fatalf("expected default bot_class EchoBot, got %q", cfg.Agents[0].BotClass)
	}
}

func TestLoad_NoConfigSetsNeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ACTIVEMATRIX_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true when config.yaml is absent")
	}
	if cfg.BindAddr != "127.0.0.1:18789" {
		t.Fatalf("expected default bind_addr, got %q", cfg.BindAddr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ACTIVEMATRIX_HOME", home)
	t.Setenv("ACTIVEMATRIX_BIND_ADDR", "0.0.0.0:9999")
	t.Setenv("ACTIVEMATRIX_LOG_LEVEL", "debug")
	t.Setenv("ACTIVEMATRIX_LOG_AGENT_EVENTS", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if !cfg.LogAgentEvents {
		t.Fatal("expected log_agent_events=true")
	}
}

func TestLoad_RejectsDuplicateAgentID(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`
agents:
  - agent_id: smith
    homeserver: "https://hs.example"
    access_token: "t1"
  - agent_id: smith
    homeserver: "https://hs.example"
    access_token: "t2"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ACTIVEMATRIX_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for duplicate agent_id")
	}
}

func TestLoad_RejectsMissingCredentials(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`
agents:
  - agent_id: smith
    homeserver: "https://hs.example"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ACTIVEMATRIX_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for agent with no credentials")
	}
}

func TestLoad_RejectsTooManyAgents(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`
max_agents_per_process: 1
agents:
  - agent_id: a
    homeserver: "https://hs.example"
    access_token: "t1"
  - agent_id: b
    homeserver: "https://hs.example"
    access_token: "t2"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ACTIVEMATRIX_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error when agents exceed max_agents_per_process")
	}
}

func TestFingerprint_StableAcrossEqualConfig(t *testing.T) {
	a := config.Config{BindAddr: "x", LogLevel: "info", MaxAgentsPerProcess: 5}
	b := config.Config{BindAddr: "x", LogLevel: "info", MaxAgentsPerProcess: 5}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected equal configs to fingerprint identically")
	}
	c := config.Config{BindAddr: "y", LogLevel: "info", MaxAgentsPerProcess: 5}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("expected different configs to fingerprint differently")
	}
}

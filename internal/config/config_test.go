package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
model: "openai/gpt-4o"
max_concurrent_sessions: 10
sweep_interval: 1m
idle_timeout: 10m
whitelist_path: "wl.yaml"
backends:
  - name: grid
    transport: stdio
    command: grid-server
    args: ["--table", "contacts"]
  - name: chat
    transport: http
    url: "http://localhost:9001/mcp"
jobs:
  - name: daily-digest
    expression: "rate(1 day)"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Model != "openai/gpt-4o" {
		t.Errorf("model = %q", cfg.Model)
	}
	if cfg.SweepInterval.Std() != time.Minute {
		t.Errorf("sweep_interval = %v", cfg.SweepInterval.Std())
	}
	if cfg.IdleTimeout.Std() != 10*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.IdleTimeout.Std())
	}
	if len(cfg.Backends) != 2 || cfg.Backends[0].Name != "grid" {
		t.Errorf("backends = %+v", cfg.Backends)
	}
	if cfg.Backends[1].Transport != "http" || cfg.Backends[1].URL != "http://localhost:9001/mcp" {
		t.Errorf("http backend = %+v", cfg.Backends[1])
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].Expression != "rate(1 day)" {
		t.Errorf("jobs = %+v", cfg.Jobs)
	}
	// Unset fields keep their defaults.
	if cfg.RateLimit.Burst != 5 {
		t.Errorf("rate_limit.burst = %d, want default 5", cfg.RateLimit.Burst)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
model: "openai/gpt-4o"
`)
	t.Setenv("TABLERELAY_MODEL", "anthropic/claude-sonnet-4-20250514")
	t.Setenv("TABLERELAY_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "anthropic/claude-sonnet-4-20250514" {
		t.Errorf("model = %q, env override lost", cfg.Model)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("listen_addr = %q, env override lost", cfg.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing model", func(c *Config) { c.Model = "" }},
		{"zero capacity", func(c *Config) { c.MaxConcurrentSessions = 0 }},
		{"missing whitelist", func(c *Config) { c.WhitelistPath = "" }},
		{"backend without name", func(c *Config) {
			c.Backends = []Backend{{Transport: "stdio", Command: "x"}}
		}},
		{"stdio backend without command", func(c *Config) {
			c.Backends = []Backend{{Name: "grid", Transport: "stdio"}}
		}},
		{"http backend without url", func(c *Config) {
			c.Backends = []Backend{{Name: "grid", Transport: "http"}}
		}},
		{"unsupported transport", func(c *Config) {
			c.Backends = []Backend{{Name: "grid", Transport: "carrier-pigeon"}}
		}},
		{"job without expression", func(c *Config) {
			c.Jobs = []Job{{Name: "digest"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted a broken config")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
sweep_interval: "sometimes"
`)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a malformed duration")
	}
}

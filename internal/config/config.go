// Package config loads the service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backend describes one external backend connection.
type Backend struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"`
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	URL       string   `yaml:"url,omitempty"`
}

// RateLimit bounds inbound message frequency per sender.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Archive selects transcript persistence targets. Empty values disable the
// corresponding target.
type Archive struct {
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	S3Bucket    string `yaml:"s3_bucket,omitempty"`
}

// Job is a recurring job registered at startup.
type Job struct {
	Name       string                 `yaml:"name"`
	Expression string                 `yaml:"expression"`
	Payload    map[string]interface{} `yaml:"payload,omitempty"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr            string    `yaml:"listen_addr"`
	LogLevel              string    `yaml:"log_level"`
	Model                 string    `yaml:"model"`
	MaxConcurrentSessions int       `yaml:"max_concurrent_sessions"`
	SweepInterval         Duration  `yaml:"sweep_interval"`
	IdleTimeout           Duration  `yaml:"idle_timeout"`
	WhitelistPath         string    `yaml:"whitelist_path"`
	WhitelistTTL          Duration  `yaml:"whitelist_ttl"`
	RateLimit             RateLimit `yaml:"rate_limit"`
	Backends              []Backend `yaml:"backends"`
	Archive               Archive   `yaml:"archive"`
	Jobs                  []Job     `yaml:"jobs,omitempty"`
}

// Default returns a configuration with working defaults for everything that
// has one.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8080",
		LogLevel:              "info",
		Model:                 "anthropic/claude-sonnet-4-20250514",
		MaxConcurrentSessions: 100,
		SweepInterval:         Duration(5 * time.Minute),
		IdleTimeout:           Duration(30 * time.Minute),
		WhitelistPath:         "whitelist.yaml",
		WhitelistTTL:          Duration(5 * time.Minute),
		RateLimit:             RateLimit{Rate: 0.5, Burst: 5},
	}
}

// Load reads the YAML file at path onto the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment overrides, useful for containerized deployments where editing
// the config file is awkward.
func (c *Config) applyEnv() {
	if v := os.Getenv("TABLERELAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TABLERELAY_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("TABLERELAY_WHITELIST"); v != "" {
		c.WhitelistPath = v
	}
	if v := os.Getenv("TABLERELAY_POSTGRES_DSN"); v != "" {
		c.Archive.PostgresDSN = v
	}
	if v := os.Getenv("TABLERELAY_S3_BUCKET"); v != "" {
		c.Archive.S3Bucket = v
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive, got %d", c.MaxConcurrentSessions)
	}
	if c.WhitelistPath == "" {
		return fmt.Errorf("whitelist_path is required")
	}
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		switch b.Transport {
		case "stdio":
			if b.Command == "" {
				return fmt.Errorf("backend %q: stdio transport needs a command", b.Name)
			}
		case "http", "sse":
			if b.URL == "" {
				return fmt.Errorf("backend %q: %s transport needs a url", b.Name, b.Transport)
			}
		case "":
			return fmt.Errorf("backend %q: transport is required", b.Name)
		default:
			return fmt.Errorf("backend %q: unsupported transport %q", b.Name, b.Transport)
		}
	}
	for i, j := range c.Jobs {
		if j.Name == "" || j.Expression == "" {
			return fmt.Errorf("jobs[%d]: name and expression are required", i)
		}
	}
	return nil
}

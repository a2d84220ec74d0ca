package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig          `yaml:"server"`
	Monitor MonitorConfig         `yaml:"monitor"`
	Session SessionConfig         `yaml:"session"`
	Usage   UsageConfig           `yaml:"usage"`
	Tools   map[string]ToolConfig `yaml:"tools"`
	Logging LoggingConfig         `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MonitorConfig struct {
	ProcessScanInterval time.Duration `yaml:"process_scan_interval"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
	MaxConcurrentPIDs   int           `yaml:"max_concurrent_pids"`
	BroadcastThrottle   time.Duration `yaml:"broadcast_throttle"`
}

type SessionConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	CooldownFraction float64       `yaml:"cooldown_fraction"`
	CooldownMin      time.Duration `yaml:"cooldown_min"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`
}

type UsageConfig struct {
	RuntimeDir              string        `yaml:"runtime_dir"`
	PricingTTL              time.Duration `yaml:"pricing_ttl"`
	PricingRefreshInterval  time.Duration `yaml:"pricing_refresh_interval"`
	ExternalRefreshInterval time.Duration `yaml:"external_refresh_interval"`
	BackfillBroadcastEvery  int           `yaml:"backfill_broadcast_every"`
	BackfillYieldEvery      int           `yaml:"backfill_yield_every"`
}

// ToolConfig bounds discovery and liveness heuristics per tool. Signal
// reliability differs by tool, so the grace windows are tunable rather
// than shared.
type ToolConfig struct {
	DiscoverMaxAge   time.Duration `yaml:"discover_max_age"`
	DiscoverMaxFiles int           `yaml:"discover_max_files"`
	GraceWindow      time.Duration `yaml:"grace_window"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration used when no config file is
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "127.0.0.1",
		},
		Monitor: MonitorConfig{
			ProcessScanInterval: 15 * time.Second,
			QueryTimeout:        3 * time.Second,
			MaxConcurrentPIDs:   8,
			BroadcastThrottle:   100 * time.Millisecond,
		},
		Session: SessionConfig{
			IdleTimeout:      2 * time.Minute,
			CooldownFraction: 0.1,
			CooldownMin:      3 * time.Second,
			CooldownMax:      5 * time.Minute,
		},
		Usage: UsageConfig{
			RuntimeDir:              ".nexus-runtime",
			PricingTTL:              24 * time.Hour,
			PricingRefreshInterval:  time.Hour,
			ExternalRefreshInterval: 5 * time.Minute,
			BackfillBroadcastEvery:  40,
			BackfillYieldEvery:      20,
		},
		Tools: map[string]ToolConfig{
			"claude-code": {
				DiscoverMaxAge:   30 * time.Minute,
				DiscoverMaxFiles: 5,
				GraceWindow:      30 * time.Minute,
			},
			"codex": {
				DiscoverMaxAge:   30 * time.Minute,
				DiscoverMaxFiles: 12,
				GraceWindow:      30 * time.Minute,
			},
			"openclaw": {
				DiscoverMaxAge:   45 * time.Minute,
				DiscoverMaxFiles: 12,
				GraceWindow:      15 * time.Minute,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error; the defaults apply unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Tool returns the per-tool heuristics, falling back to the claude-code
// defaults for unknown tool names.
func (c *Config) Tool(name string) ToolConfig {
	if tc, ok := c.Tools[name]; ok {
		return tc
	}
	return ToolConfig{
		DiscoverMaxAge:   30 * time.Minute,
		DiscoverMaxFiles: 5,
		GraceWindow:      30 * time.Minute,
	}
}

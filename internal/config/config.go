// Package config loads agent-sync settings from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agent-sync/internal/rpc"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTSYNC_DAEMON_ADDR.
const EnvPrefix = "AGENTSYNC"

// Config describes the configuration shared by the daemon and client.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Client  ClientConfig  `mapstructure:"client"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// DaemonConfig describes the timeline host.
type DaemonConfig struct {
	Addr             string             `mapstructure:"addr"`
	MaxAgents        int                `mapstructure:"max_agents"`
	Retain           int                `mapstructure:"retain"`
	SubscriberBuffer int                `mapstructure:"subscriber_buffer"`
	Debounce         time.Duration      `mapstructure:"debounce"`
	MetricsEnabled   bool               `mapstructure:"metrics_enabled"`
	Transcripts      []TranscriptConfig `mapstructure:"transcripts"`
	Discover         []DiscoverConfig   `mapstructure:"discover"`
}

// TranscriptConfig hosts one agent fed from a transcript file.
type TranscriptConfig struct {
	ID       string `mapstructure:"id"`
	Label    string `mapstructure:"label"`
	Provider string `mapstructure:"provider"` // claude, codex, opencode
	Path     string `mapstructure:"path"`
}

// DiscoverConfig hosts every transcript found under a directory at
// startup.
type DiscoverConfig struct {
	Dir      string `mapstructure:"dir"`
	Provider string `mapstructure:"provider"`
	MaxDepth int    `mapstructure:"max_depth"`
}

// ClientConfig describes how the client talks to a daemon.
type ClientConfig struct {
	URL       string        `mapstructure:"url"`
	CacheDir  string        `mapstructure:"cache_dir"`
	TailLimit int           `mapstructure:"tail_limit"`
	Retain    int           `mapstructure:"retain"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Dedupe    string        `mapstructure:"dedupe"` // share, off, replace
	Retry     BackoffConfig `mapstructure:"retry"`
	Reconnect BackoffConfig `mapstructure:"reconnect"`
}

// BackoffConfig mirrors rpc.RetryPolicy.
type BackoffConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// Policy converts the settings to a retry policy.
func (b BackoffConfig) Policy() rpc.RetryPolicy {
	return rpc.RetryPolicy{
		MaxAttempts: b.MaxAttempts,
		BaseDelay:   b.BaseDelay,
		Factor:      b.Factor,
		MaxDelay:    b.MaxDelay,
		Jitter:      b.Jitter,
	}
}

// RequestOptions returns the correlator options for daemon requests.
func (c ClientConfig) RequestOptions() rpc.Options {
	policy, _ := rpc.ParseDedupePolicy(c.Dedupe)
	return rpc.Options{
		Timeout: c.Timeout,
		Retry:   c.Retry.Policy(),
		Dedupe:  policy,
	}
}

// Load reads configuration from path, or from agentsync.yaml in the
// working directory or configs/ when path is empty. A missing default
// file is not an error. Environment variables override file values
// (prefix AGENTSYNC_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("agentsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("daemon.addr", ":8420")
	v.SetDefault("daemon.max_agents", 0)
	v.SetDefault("daemon.retain", 5000)
	v.SetDefault("daemon.subscriber_buffer", 100)
	v.SetDefault("daemon.debounce", 500*time.Millisecond)
	v.SetDefault("daemon.metrics_enabled", true)

	v.SetDefault("client.url", "ws://localhost:8420/ws")
	v.SetDefault("client.cache_dir", "")
	v.SetDefault("client.tail_limit", 200)
	v.SetDefault("client.retain", 1000)
	v.SetDefault("client.timeout", 10*time.Second)
	v.SetDefault("client.dedupe", "share")

	v.SetDefault("client.retry.max_attempts", 3)
	v.SetDefault("client.retry.base_delay", 250*time.Millisecond)
	v.SetDefault("client.retry.factor", 2.0)
	v.SetDefault("client.retry.max_delay", 5*time.Second)
	v.SetDefault("client.retry.jitter", 100*time.Millisecond)

	v.SetDefault("client.reconnect.base_delay", 500*time.Millisecond)
	v.SetDefault("client.reconnect.factor", 2.0)
	v.SetDefault("client.reconnect.max_delay", 30*time.Second)
	v.SetDefault("client.reconnect.jitter", 250*time.Millisecond)
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if c.Daemon.Addr == "" {
		return errors.New("daemon.addr must be set")
	}
	if c.Daemon.MaxAgents < 0 {
		return errors.New("daemon.max_agents must be >= 0")
	}
	if c.Daemon.Retain <= 0 {
		return errors.New("daemon.retain must be > 0")
	}
	if c.Daemon.SubscriberBuffer <= 0 {
		return errors.New("daemon.subscriber_buffer must be > 0")
	}

	seen := make(map[string]bool)
	for i, t := range c.Daemon.Transcripts {
		if t.Path == "" {
			return fmt.Errorf("daemon.transcripts[%d]: path is required", i)
		}
		if t.ID != "" {
			if seen[t.ID] {
				return fmt.Errorf("daemon.transcripts[%d]: duplicate id %q", i, t.ID)
			}
			seen[t.ID] = true
		}
	}
	for i, d := range c.Daemon.Discover {
		if d.Dir == "" {
			return fmt.Errorf("daemon.discover[%d]: dir is required", i)
		}
		if d.MaxDepth < 0 {
			return fmt.Errorf("daemon.discover[%d]: max_depth must be >= 0", i)
		}
	}

	u, err := url.Parse(c.Client.URL)
	if err != nil {
		return fmt.Errorf("client.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("client.url must use ws or wss, got %q", c.Client.URL)
	}
	if c.Client.TailLimit < 0 {
		return errors.New("client.tail_limit must be >= 0")
	}
	if c.Client.Timeout < 0 {
		return errors.New("client.timeout must be >= 0")
	}
	if _, ok := rpc.ParseDedupePolicy(c.Client.Dedupe); !ok {
		return fmt.Errorf("client.dedupe must be share, off or replace, got %q", c.Client.Dedupe)
	}
	for name, b := range map[string]BackoffConfig{"retry": c.Client.Retry, "reconnect": c.Client.Reconnect} {
		if b.BaseDelay < 0 || b.MaxDelay < 0 || b.Jitter < 0 {
			return fmt.Errorf("client.%s delays must be >= 0", name)
		}
		if b.Factor != 0 && b.Factor < 1 {
			return fmt.Errorf("client.%s.factor must be >= 1", name)
		}
	}

	return nil
}

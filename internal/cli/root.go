// Package cli is the command tree of the agentsync client.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agent-sync/internal/cache"
	"agent-sync/internal/client"
	"agent-sync/internal/config"
	"agent-sync/internal/logging"
)

// Options holds global CLI options.
type Options struct {
	ConfigPath string
	URL        string
	CacheDir   string
	LogLevel   string
}

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "agentsync",
		Short:         "Follow agent timelines hosted by an agent-sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: agentsync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "Daemon websocket URL (overrides client.url)")
	cmd.PersistentFlags().StringVar(&opts.CacheDir, "cache-dir", "", "Timeline cache directory (overrides client.cache_dir)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (overrides logging.level)")

	cmd.AddCommand(NewFollowCmd(opts))
	cmd.AddCommand(NewAgentsCmd(opts))
	cmd.AddCommand(NewCacheCmd(opts))

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig wraps config loading with the flag overrides.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.URL != "" {
		cfg.Client.URL = opts.URL
	}
	if opts.CacheDir != "" {
		cfg.Client.CacheDir = opts.CacheDir
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a client, its logger and its optional cache.
func newClient(opts *Options) (*client.Client, *zap.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}

	ccfg := client.Config{
		TailLimit: cfg.Client.TailLimit,
		Request:   cfg.Client.RequestOptions(),
		Reconnect: cfg.Client.Reconnect.Policy(),
		Retain:    cfg.Client.Retain,
	}
	clientOpts := []client.Option{client.WithLogger(logger)}
	if cfg.Client.CacheDir != "" {
		store, err := cache.Open(cfg.Client.CacheDir, cache.WithRetain(cfg.Client.Retain), cache.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		clientOpts = append(clientOpts, client.WithCache(store))
	}

	dial := client.WebSocketDialer(cfg.Client.URL, nil, logger)
	return client.New(dial, ccfg, clientOpts...), logger, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"agent-sync/internal/config"
	"agent-sync/internal/daemon"
	"agent-sync/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, logLevel string
	var metricsEnabled bool

	flagSet := pflag.NewFlagSet("agentsync-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: agentsync.yaml)")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides daemon.addr)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides logging.level)")
	flagSet.BoolVar(&metricsEnabled, "metrics", false, "serve prometheus metrics on /metrics")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Daemon.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if flagSet.Changed("metrics") {
		cfg.Daemon.MetricsEnabled = metricsEnabled
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort

	d := daemon.New(cfg.Daemon, logger)
	hosted := d.HostTranscripts()
	logger.Info("hosting transcripts", zap.Int("agents", hosted))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.ListenAndServe(ctx)
}

// Package daemon assembles the timeline host: the agent registry, the
// transcript watcher and the realtime server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"agent-sync/internal/config"
	"agent-sync/internal/metrics"
	"agent-sync/internal/realtime"
	"agent-sync/internal/session"
	"agent-sync/internal/toolcall"
	"agent-sync/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

// Daemon hosts agent timelines over HTTP and WebSocket.
type Daemon struct {
	cfg         config.DaemonConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics
	agents      *session.Manager
	transcripts *watcher.Watcher
	server      *realtime.Server
}

// New wires the daemon components. Metrics are collected only when
// enabled in cfg.
func New(cfg config.DaemonConfig, logger *zap.Logger) *Daemon {
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	agents := session.NewManager(
		session.WithMaxAgents(cfg.MaxAgents),
		session.WithRetain(cfg.Retain),
		session.WithSubscriberBuffer(cfg.SubscriberBuffer),
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(m),
	)

	watchOpts := []watcher.Option{
		watcher.WithLogger(logger.Named("watcher")),
		watcher.WithMetrics(m),
	}
	if cfg.Debounce > 0 {
		watchOpts = append(watchOpts, watcher.WithDebounce(cfg.Debounce))
	}
	transcripts := watcher.New(agents, watchOpts...)

	return &Daemon{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		agents:      agents,
		transcripts: transcripts,
		server: realtime.New(agents, transcripts,
			realtime.WithLogger(logger.Named("realtime")),
			realtime.WithMetrics(m),
		),
	}
}

// Agents returns the agent registry.
func (d *Daemon) Agents() *session.Manager { return d.agents }

// Handler returns the daemon's HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// HostTranscripts hosts every configured transcript and every transcript
// found under the configured discovery directories. Failures are logged
// per transcript; it returns the number of agents hosted.
func (d *Daemon) HostTranscripts() int {
	hosted := 0
	for _, t := range d.cfg.Transcripts {
		if err := d.host(t.ID, t.Label, t.Provider, t.Path); err != nil {
			d.logger.Warn("hosting transcript failed", zap.String("agent_id", t.ID), zap.String("path", t.Path), zap.Error(err))
			continue
		}
		hosted++
	}

	for _, dc := range d.cfg.Discover {
		found := watcher.Discover(dc.Dir, dc.MaxDepth)
		d.logger.Info("discovered transcripts", zap.String("dir", dc.Dir), zap.Int("count", len(found)))
		for _, t := range found {
			err := d.host(t.AgentID, "", dc.Provider, t.Path)
			if errors.Is(err, session.ErrAgentExists) {
				d.logger.Debug("skipping duplicate transcript", zap.String("agent_id", t.AgentID), zap.String("path", t.Path))
				continue
			}
			if err != nil {
				d.logger.Warn("hosting transcript failed", zap.String("agent_id", t.AgentID), zap.String("path", t.Path), zap.Error(err))
				continue
			}
			hosted++
		}
	}
	return hosted
}

func (d *Daemon) host(id, label, provider, path string) error {
	p := toolcall.ParseProvider(provider)
	agent, err := d.agents.Create(session.CreateOptions{
		ID:             id,
		Label:          label,
		Provider:       string(p),
		TranscriptPath: path,
	})
	if err != nil {
		return err
	}
	if err := d.transcripts.Watch(agent.ID, path, p); err != nil {
		d.agents.Remove(agent.ID)
		return fmt.Errorf("watch %s: %w", path, err)
	}
	return nil
}

// Serve accepts connections on ln until ctx ends, then shuts down every
// component.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	d.logger.Info("agent-sync daemon listening", zap.String("addr", ln.Addr().String()))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	d.logger.Info("shutting down")
	d.transcripts.Shutdown()
	d.server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", zap.Error(err))
	}
	d.agents.Shutdown()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx
// ends.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Addr, err)
	}
	return d.Serve(ctx, ln)
}

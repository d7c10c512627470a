// Package client keeps a live, resumable view of agent timelines
// hosted by a daemon: it dials, catches up through the request
// correlator, folds live updates and redials with backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent-sync/internal/cache"
	"agent-sync/internal/clock"
	"agent-sync/internal/conn"
	"agent-sync/internal/metrics"
	"agent-sync/internal/protocol"
	"agent-sync/internal/rpc"
	"agent-sync/internal/timeline"
)

const eventBuffer = 256

// Transport is one connection to the daemon. conn.WSConn satisfies it.
type Transport interface {
	Send(req *protocol.Request) error
	Messages() <-chan *protocol.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a transport.
type DialFunc func(ctx context.Context) (Transport, error)

// WebSocketDialer dials url with gorilla websocket.
func WebSocketDialer(url string, header http.Header, logger *zap.Logger) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		return conn.Dial(ctx, url, header, logger)
	}
}

// Config tunes synchronization.
type Config struct {
	// TailLimit bounds the bootstrap fetch of an agent without a usable
	// local tail. Zero fetches everything the daemon retains.
	TailLimit int
	// Request applies to every daemon request.
	Request rpc.Options
	// Reconnect spaces redials and failed catch-ups. MaxAttempts is
	// ignored; the client redials until its context ends.
	Reconnect rpc.RetryPolicy
	// Retain bounds the entries each fold keeps for snapshots.
	Retain int
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		TailLimit: 200,
		Request:   rpc.DefaultOptions(),
		Reconnect: rpc.RetryPolicy{
			BaseDelay: 500 * time.Millisecond,
			Factor:    2,
			MaxDelay:  30 * time.Second,
			Jitter:    250 * time.Millisecond,
		},
		Retain: timeline.DefaultRetain,
	}
}

// Client follows agent timelines on one daemon.
type Client struct {
	cfg     Config
	dial    DialFunc
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   *cache.Store

	monitor    *conn.Monitor
	correlator *rpc.Correlator
	fetch      *rpc.Requester[protocol.TimelineFetchParams, timeline.FetchResponse]
	subscribe  *rpc.Requester[protocol.AgentParams, protocol.SubscribeResult]
	list       *rpc.Requester[struct{}, protocol.AgentListResult]

	mu        sync.Mutex
	transport Transport
	live      *liveSession
	agents    map[string]*agentView

	events chan Event
}

// liveSession is the state of one connected period.
type liveSession struct {
	ctx context.Context
	wg  sync.WaitGroup
}

type agentView struct {
	id     string
	fold   *timeline.Fold
	resync chan struct{}

	mu          sync.Mutex
	daemonEpoch string
}

func (av *agentView) requestResync() {
	select {
	case av.resync <- struct{}{}:
	default:
	}
}

func (av *agentView) setDaemonEpoch(epoch string) {
	av.mu.Lock()
	av.daemonEpoch = epoch
	av.mu.Unlock()
}

func (av *agentView) knownEpoch() string {
	av.mu.Lock()
	defer av.mu.Unlock()
	return av.daemonEpoch
}

// Option configures a Client.
type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(cl *Client) { cl.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(cl *Client) { cl.metrics = m } }

// WithCache persists each agent's tail so a restart can resume with an
// incremental fetch.
func WithCache(s *cache.Store) Option { return func(cl *Client) { cl.store = s } }

// New creates a client that connects through dial.
func New(dial DialFunc, cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		dial:    dial,
		clock:   clock.Real(),
		logger:  zap.NewNop(),
		agents:  make(map[string]*agentView),
		events:  make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.monitor = conn.NewMonitor(c.clock)
	c.correlator = rpc.NewCorrelator(rpc.SenderFunc(c.send),
		rpc.WithClock(c.clock),
		rpc.WithLogger(c.logger),
		rpc.WithMetrics(c.metrics),
		rpc.WithConnected(false),
	)
	// The monitor drives the correlator: a disconnect fails every pending
	// request before SetDisconnected returns.
	c.monitor.OnChange(func(st conn.State) { c.correlator.SetConnected(st.Connected) })
	c.fetch = rpc.NewRequester[protocol.TimelineFetchParams, timeline.FetchResponse](c.correlator, protocol.TypeTimelineFetch, cfg.Request)
	c.subscribe = rpc.NewRequester[protocol.AgentParams, protocol.SubscribeResult](c.correlator, protocol.TypeTimelineSubscribe, cfg.Request)
	c.list = rpc.NewRequester[struct{}, protocol.AgentListResult](c.correlator, protocol.TypeAgentList, cfg.Request)
	return c
}

// send is the correlator's sender. It runs under the correlator lock
// and never blocks.
func (c *Client) send(req *protocol.Request) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return conn.ErrClosed
	}
	return t.Send(req)
}

// Monitor reports connectivity changes.
func (c *Client) Monitor() *conn.Monitor { return c.monitor }

// Events delivers sync progress. Events are dropped when the reader
// falls behind.
func (c *Client) Events() <-chan Event { return c.events }

// Follow starts tracking an agent. A cached snapshot, when present,
// seeds the fold so the first catch-up is incremental.
func (c *Client) Follow(agentID string) error {
	c.mu.Lock()
	if _, ok := c.agents[agentID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	av := &agentView{
		id:     agentID,
		fold:   timeline.NewFold(c.cfg.Retain),
		resync: make(chan struct{}, 1),
	}
	if c.store != nil {
		snap, ok, err := c.store.Load(agentID)
		if err != nil {
			return fmt.Errorf("load cached timeline: %w", err)
		}
		if ok && snap.HasTail() {
			av.fold.Restore(snap.Cursor, snap.Entries)
			c.logger.Debug("restored cached timeline",
				zap.String("agent_id", agentID),
				zap.String("cursor", snap.Cursor.String()),
				zap.Int("entries", len(snap.Entries)),
			)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[agentID]; ok {
		return nil
	}
	c.agents[agentID] = av
	if c.live != nil {
		c.startSync(c.live, av)
	}
	return nil
}

// Timeline returns the fold of a followed agent.
func (c *Client) Timeline(agentID string) (*timeline.Fold, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	av, ok := c.agents[agentID]
	if !ok {
		return nil, false
	}
	return av.fold, true
}

// ListAgents asks the daemon for its hosted agents.
func (c *Client) ListAgents(ctx context.Context) ([]protocol.AgentInfo, error) {
	res, err := c.list.Execute(ctx, struct{}{})
	if err != nil {
		return nil, err
	}
	return res.Agents, nil
}

// WaitConnected blocks until the client is connected or ctx ends. It
// returns conn.ErrClosed once Run has returned.
func (c *Client) WaitConnected(ctx context.Context) error {
	states, dispose := c.monitor.Subscribe()
	defer dispose()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return conn.ErrClosed
			}
			if st.Connected {
				return nil
			}
		}
	}
}

// Run connects and keeps the followed timelines in sync until ctx
// ends, redialing with backoff whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	defer c.monitor.Close()
	bo := rpc.Backoff{Policy: c.cfg.Reconnect}

	for {
		t, err := c.dial(ctx)
		if err == nil {
			bo.Reset()
			err = c.runSession(ctx, t)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := bo.Next()
		c.metrics.RecordReconnect()
		c.logger.Warn("daemon connection lost, redialing",
			zap.Error(err),
			zap.Int("attempt", bo.Attempt()),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// runSession serves one transport until it closes or ctx ends.
func (c *Client) runSession(ctx context.Context, t Transport) error {
	sctx, cancel := context.WithCancel(ctx)
	live := &liveSession{ctx: sctx}

	c.mu.Lock()
	c.transport = t
	c.live = live
	c.mu.Unlock()

	c.monitor.SetConnected()
	c.logger.Info("connected to daemon")

	routed := make(chan struct{})
	go func() {
		defer close(routed)
		for msg := range t.Messages() {
			if !c.correlator.HandleMessage(msg) {
				c.handlePush(msg)
			}
		}
	}()

	c.mu.Lock()
	for _, av := range c.agents {
		c.startSync(live, av)
	}
	c.mu.Unlock()

	select {
	case <-t.Done():
	case <-ctx.Done():
		t.Close()
	}

	c.mu.Lock()
	c.transport = nil
	c.live = nil
	c.mu.Unlock()

	cancel()
	err := t.Err()
	if err == nil {
		err = conn.ErrClosed
	}
	c.monitor.SetDisconnected(err)
	live.wg.Wait()
	<-routed
	c.emit(Event{Kind: EventDisconnected, Err: err})
	return err
}

// startSync runs an agent's catch-up loop for the session. Callers
// hold c.mu.
func (c *Client) startSync(live *liveSession, av *agentView) {
	live.wg.Add(1)
	go func() {
		defer live.wg.Done()
		c.syncAgent(live.ctx, av)
	}()
}

// syncAgent catches an agent up, subscribes, and re-runs catch-up
// whenever a live update does not connect to the local cursor.
func (c *Client) syncAgent(ctx context.Context, av *agentView) {
	subscribed := false
	bo := rpc.Backoff{Policy: c.cfg.Reconnect}

	for {
		err := c.catchUp(ctx, av, &subscribed)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, rpc.ErrDisconnected):
			return
		case err != nil:
			delay := bo.Next()
			c.logger.Warn("catch-up failed",
				zap.String("agent_id", av.id),
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			c.emit(Event{Kind: EventError, AgentID: av.id, Err: err})
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(delay):
			}
			continue
		}
		bo.Reset()

		select {
		case <-ctx.Done():
			return
		case <-av.resync:
		}
	}
}

// catchUp fetches what the fold is missing and subscribes once per
// session. When the subscription reports a head past the fetched
// cursor the agent is flagged for another catch-up.
func (c *Client) catchUp(ctx context.Context, av *agentView, subscribed *bool) error {
	var local *timeline.Cursor
	if cur, ok := av.fold.Cursor(); ok {
		local = &cur
	}
	planner := timeline.Planner{BoundedLimit: c.cfg.TailLimit}
	req := planner.Plan(local, av.fold.HasTail(), av.knownEpoch())

	resp, err := c.fetch.Execute(ctx, protocol.TimelineFetchParams{AgentID: av.id, FetchRequest: req})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", av.id, err)
	}
	av.fold.ApplyFetch(resp)
	av.setDaemonEpoch(resp.Epoch)
	c.metrics.RecordEntries("fetch", len(resp.Entries))
	if resp.Reset {
		c.metrics.RecordReset("daemon")
	}

	cur, _ := av.fold.Cursor()
	c.logger.Debug("caught up",
		zap.String("agent_id", av.id),
		zap.String("direction", string(req.Direction)),
		zap.String("cursor", cur.String()),
		zap.Int("entries", len(resp.Entries)),
		zap.Bool("reset", resp.Reset),
	)
	c.persist(av)
	c.emit(Event{Kind: EventSynced, AgentID: av.id, Cursor: cur, Entries: resp.Entries, Reset: resp.Reset})

	if *subscribed {
		return nil
	}
	sub, err := c.subscribe.Execute(ctx, protocol.AgentParams{AgentID: av.id})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", av.id, err)
	}
	*subscribed = true
	av.setDaemonEpoch(sub.Epoch)

	if cur, _ := av.fold.Cursor(); sub.Epoch != cur.Epoch || sub.HeadSeq > cur.Seq {
		av.requestResync()
	}
	return nil
}

// handlePush folds server pushes that are not responses.
func (c *Client) handlePush(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeTimelineUpdate:
		var u timeline.Update
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			c.logger.Warn("undecodable timeline update", zap.Error(err))
			return
		}
		c.mu.Lock()
		av, ok := c.agents[u.AgentID]
		c.mu.Unlock()
		if !ok {
			return
		}

		av.setDaemonEpoch(u.Epoch)
		if gap := av.fold.ApplyUpdate(u); gap {
			c.logger.Debug("timeline gap, re-running catch-up", zap.String("agent_id", u.AgentID), zap.String("epoch", u.Epoch))
			av.requestResync()
			return
		}
		c.metrics.RecordEntries("update", len(u.Entries))
		c.persist(av)
		cur, _ := av.fold.Cursor()
		c.emit(Event{Kind: EventUpdate, AgentID: u.AgentID, Cursor: cur, Entries: u.Entries})

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("undecodable daemon error", zap.Error(err))
			return
		}
		c.logger.Warn("daemon reported error", zap.String("code", p.Code), zap.String("message", p.Message))

	default:
		c.logger.Debug("ignoring uncorrelated message", zap.String("type", msg.Type))
	}
}

func (c *Client) persist(av *agentView) {
	if c.store == nil {
		return
	}
	cur, entries, ok := av.fold.Snapshot()
	if !ok {
		return
	}
	if err := c.store.Save(av.id, cur, entries); err != nil {
		c.logger.Warn("saving timeline snapshot failed", zap.String("agent_id", av.id), zap.Error(err))
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event buffer full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

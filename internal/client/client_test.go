package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"agent-sync/internal/cache"
	"agent-sync/internal/conn"
	"agent-sync/internal/protocol"
	"agent-sync/internal/realtime"
	"agent-sync/internal/rpc"
	"agent-sync/internal/session"
	"agent-sync/internal/timeline"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type daemon struct {
	agents *session.Manager
	server *realtime.Server
	http   *httptest.Server
	url    string
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	agents := session.NewManager()
	srv := realtime.New(agents, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
		agents.Shutdown()
	})
	return &daemon{
		agents: agents,
		server: srv,
		http:   hs,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Request.Timeout = time.Second
	cfg.Reconnect = rpc.RetryPolicy{BaseDelay: 10 * time.Millisecond, Factor: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func runClient(t *testing.T, c *Client) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(waitFor):
			t.Error("client did not stop")
		}
	}
}

func cursorOf(t *testing.T, c *Client, agentID string) timeline.Cursor {
	fold, ok := c.Timeline(agentID)
	if !ok {
		return timeline.Cursor{}
	}
	cur, _ := fold.Cursor()
	return cur
}

func TestClient_CatchUpThenLiveUpdates(t *testing.T) {
	d := startDaemon(t)
	a, err := d.agents.Create(session.CreateOptions{ID: "a1"})
	require.NoError(t, err)
	_, err = d.agents.Append("a1", timeline.UserMessage("hi"), timeline.AssistantMessage("hello"), timeline.Reasoning("hmm"))
	require.NoError(t, err)

	c := New(WebSocketDialer(d.url, nil, nil), testConfig())
	require.NoError(t, c.Follow("a1"))
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool {
		return cursorOf(t, c, "a1") == timeline.Cursor{Epoch: a.Epoch, Seq: 3}
	}, waitFor, tick)

	// Subscription is in place once the subscribe response arrived;
	// appends after that arrive as updates.
	require.Eventually(t, func() bool {
		d.agents.Append("a1", timeline.AssistantMessage("more"))
		time.Sleep(tick)
		return cursorOf(t, c, "a1").Seq >= 4
	}, waitFor, 5*tick)

	head, err := d.agents.Get("a1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return cursorOf(t, c, "a1").Seq == head.HeadSeq
	}, waitFor, tick)

	fold, _ := c.Timeline("a1")
	log := fold.Log()
	assert.Equal(t, "hi", log[0].Text)
	assert.Len(t, log, int(head.HeadSeq))
}

func TestClient_GapTriggersCatchUp(t *testing.T) {
	d := startDaemon(t)
	_, err := d.agents.Create(session.CreateOptions{ID: "a1"})
	require.NoError(t, err)

	c := New(WebSocketDialer(d.url, nil, nil), testConfig())
	require.NoError(t, c.Follow("a1"))
	stop := runClient(t, c)
	defer stop()

	require.Eventually(t, func() bool {
		_, ok := c.Timeline("a1")
		return ok && cursorOf(t, c, "a1").Epoch != ""
	}, waitFor, tick)

	// A rotation changes the epoch; the update carrying it does not
	// connect to the local cursor, so the client refetches.
	epoch, err := d.agents.Rotate("a1")
	require.NoError(t, err)
	_, err = d.agents.Append("a1", timeline.UserMessage("after rotate"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur := cursorOf(t, c, "a1")
		return cur.Epoch == epoch && cur.Seq == 1
	}, waitFor, tick)

	fold, _ := c.Timeline("a1")
	log := fold.Log()
	require.Len(t, log, 1)
	assert.Equal(t, "after rotate", log[0].Text)
}

func TestClient_ResumesFromCache(t *testing.T) {
	d := startDaemon(t)
	a, err := d.agents.Create(session.CreateOptions{ID: "a1"})
	require.NoError(t, err)
	_, err = d.agents.Append("a1", timeline.UserMessage("one"), timeline.UserMessage("two"))
	require.NoError(t, err)

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	first := New(WebSocketDialer(d.url, nil, nil), testConfig(), WithCache(store))
	require.NoError(t, first.Follow("a1"))
	stop := runClient(t, first)
	require.Eventually(t, func() bool {
		return cursorOf(t, first, "a1").Seq == 2
	}, waitFor, tick)
	stop()

	snap, ok, err := store.Load("a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, timeline.Cursor{Epoch: a.Epoch, Seq: 2}, snap.Cursor)

	_, err = d.agents.Append("a1", timeline.UserMessage("three"))
	require.NoError(t, err)

	second := New(WebSocketDialer(d.url, nil, nil), testConfig(), WithCache(store))
	require.NoError(t, second.Follow("a1"))
	assert.Equal(t, timeline.Cursor{Epoch: a.Epoch, Seq: 2}, cursorOf(t, second, "a1"))

	stop = runClient(t, second)
	defer stop()

	var synced Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-second.Events():
			if ev.Kind == EventSynced {
				synced = ev
				return true
			}
		default:
		}
		return false
	}, waitFor, tick)

	assert.False(t, synced.Reset)
	require.Len(t, synced.Entries, 1, "resume fetches only entries after the cached cursor")
	assert.Equal(t, int64(3), synced.Entries[0].Seq)

	fold, _ := second.Timeline("a1")
	assert.Len(t, fold.Log(), 3)
}

func TestClient_RedialsAfterDisconnect(t *testing.T) {
	d := startDaemon(t)
	_, err := d.agents.Create(session.CreateOptions{ID: "a1"})
	require.NoError(t, err)

	c := New(WebSocketDialer(d.url, nil, nil), testConfig())
	require.NoError(t, c.Follow("a1"))

	stop := runClient(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	d.server.Shutdown()

	sawDown := false
	for !sawDown {
		select {
		case ev := <-c.Events():
			sawDown = ev.Kind == EventDisconnected
		case <-ctx.Done():
			t.Fatal("client never reported the disconnect")
		}
	}

	require.Eventually(t, func() bool { return c.Monitor().Connected() }, waitFor, tick)

	require.Eventually(t, func() bool {
		d.agents.Append("a1", timeline.UserMessage("after redial"))
		time.Sleep(tick)
		return cursorOf(t, c, "a1").Seq >= 1
	}, waitFor, 5*tick)
}

func TestClient_ListAgents(t *testing.T) {
	d := startDaemon(t)
	_, err := d.agents.Create(session.CreateOptions{ID: "a1", Label: "first"})
	require.NoError(t, err)

	c := New(WebSocketDialer(d.url, nil, nil), testConfig())
	stop := runClient(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "first", agents[0].Label)
}

// fakeTransport never answers; it only records what was sent.
type fakeTransport struct {
	sent chan *protocol.Request
	msgs chan *protocol.Message
	done chan struct{}
	once sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan *protocol.Request, 16),
		msgs: make(chan *protocol.Message),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(req *protocol.Request) error {
	select {
	case f.sent <- req:
		return nil
	default:
		return errors.New("fake send buffer full")
	}
}

func (f *fakeTransport) Messages() <-chan *protocol.Message { return f.msgs }
func (f *fakeTransport) Done() <-chan struct{}              { return f.done }
func (f *fakeTransport) Err() error                         { return errors.New("peer went away") }

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		close(f.done)
		close(f.msgs)
	})
	return nil
}

func TestClient_DisconnectFailsPendingRequests(t *testing.T) {
	ft := newFakeTransport()
	var dials int
	var mu sync.Mutex
	dial := func(ctx context.Context) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return ft, nil
		}
		return nil, errors.New("daemon unreachable")
	}

	c := New(dial, testConfig())
	stop := runClient(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))

	errc := make(chan error, 1)
	go func() {
		_, err := c.ListAgents(ctx)
		errc <- err
	}()

	select {
	case req := <-ft.sent:
		assert.Equal(t, protocol.TypeAgentList, req.Type)
	case <-time.After(waitFor):
		t.Fatal("request was never sent")
	}
	ft.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, rpc.ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("pending request was not failed on disconnect")
	}

	_, err := c.ListAgents(ctx)
	assert.ErrorIs(t, err, rpc.ErrDisconnected, "requests fail fast while disconnected")
}

func TestClient_MonitorDisconnectFailsPendingRequests(t *testing.T) {
	ft := newFakeTransport()
	c := New(func(ctx context.Context) (Transport, error) { return nil, errors.New("unused") }, testConfig())
	c.mu.Lock()
	c.transport = ft
	c.mu.Unlock()

	c.Monitor().SetConnected()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := c.ListAgents(ctx)
		errc <- err
	}()

	select {
	case req := <-ft.sent:
		assert.Equal(t, protocol.TypeAgentList, req.Type)
	case <-time.After(waitFor):
		t.Fatal("request was never sent")
	}

	c.Monitor().SetDisconnected(errors.New("link down"))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, rpc.ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("pending request survived the disconnect")
	}
	assert.Equal(t, 0, c.correlator.Pending())
}

func TestClient_WaitConnectedAfterRunReturns(t *testing.T) {
	c := New(func(ctx context.Context) (Transport, error) { return nil, errors.New("daemon unreachable") }, testConfig())

	waitErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		waitErr <- c.WaitConnected(ctx)
	}()

	ctx, stop := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	stop()
	require.ErrorIs(t, <-runErr, context.Canceled)

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, conn.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("WaitConnected kept waiting after Run returned")
	}

	start := time.Now()
	err := c.WaitConnected(context.Background())
	assert.ErrorIs(t, err, conn.ErrClosed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_LogsUndecodableDaemonError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := New(nil, testConfig(), WithLogger(zap.New(core)))

	c.handlePush(&protocol.Message{Type: protocol.TypeError, Payload: []byte(`"not an object"`)})
	require.Equal(t, 1, logs.FilterMessage("undecodable daemon error").Len())

	c.handlePush(&protocol.Message{Type: protocol.TypeError, Payload: []byte(`{"code":"INTERNAL","message":"boom"}`)})
	entries := logs.FilterMessage("daemon reported error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["message"])
}

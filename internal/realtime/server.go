package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agent-sync/internal/metrics"
	"agent-sync/internal/protocol"
	"agent-sync/internal/session"
	"agent-sync/internal/timeline"
	"agent-sync/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes requests between
// clients, the agent timeline host and the transcript watcher.
type Server struct {
	agents      *session.Manager
	transcripts *watcher.Watcher
	logger      *zap.Logger
	metrics     *metrics.Metrics

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks live timeline subscriptions per client.
	// key: client, value: map[agentID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	server    *Server
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// New creates a new realtime server. transcripts may be nil, in which
// case agents can only be fed through the REST records endpoint.
func New(agents *session.Manager, transcripts *watcher.Watcher, opts ...Option) *Server {
	s := &Server{
		agents:        agents,
		transcripts:   transcripts,
		logger:        zap.NewNop(),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("GET /agents/{id}/timeline", s.handleGetTimeline)
	mux.HandleFunc("POST /agents/{id}/records", s.handleIngestRecords)
	mux.HandleFunc("POST /agents/{id}/rotate", s.handleRotate)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	s.metrics.AddWSClients(1)
	s.logger.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a message to the write pump without blocking. It
// reports false when the client is gone or its buffer is full.
func (c *client) enqueue(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("marshal outbound message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.server.logger.Debug("client buffer full, dropping message", zap.String("type", msg.Type))
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if !ok {
		return
	}

	// Unsubscribe from all agent timelines.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for agentID, subID := range subs {
		s.agents.Unsubscribe(agentID, subID)
	}

	c.close()
	s.metrics.AddWSClients(-1)
}

// handleMessage validates a client request and answers it.
func (s *Server) handleMessage(c *client, raw []byte) {
	req, err := protocol.ValidateClientRequest(raw)
	if err != nil {
		if req != nil && req.RequestID != "" {
			s.respondError(c, req, protocol.ErrInvalidMessage, err.Error())
			return
		}
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch req.Type {
	case protocol.TypeTimelineFetch:
		s.handleWSFetch(c, req)
	case protocol.TypeTimelineSubscribe:
		s.handleWSSubscribe(c, req)
	case protocol.TypeTimelineUnsubscribe:
		s.handleWSUnsubscribe(c, req)
	case protocol.TypeAgentList:
		s.respond(c, req, protocol.AgentListResult{Agents: s.agentInfos()})
	}
}

func (s *Server) handleWSFetch(c *client, req *protocol.Request) {
	var p protocol.TimelineFetchParams
	req.Decode(&p)

	resp, err := s.agents.Fetch(p.AgentID, p.FetchRequest)
	if err != nil {
		s.respondError(c, req, errorCode(err), err.Error())
		return
	}
	s.respond(c, req, resp)
}

func (s *Server) handleWSSubscribe(c *client, req *protocol.Request) {
	var p protocol.AgentParams
	req.Decode(&p)

	ch, err := s.subscribeClient(c, p.AgentID)
	if err != nil {
		s.respondError(c, req, errorCode(err), err.Error())
		return
	}

	agent, err := s.agents.Get(p.AgentID)
	if err != nil {
		s.respondError(c, req, errorCode(err), err.Error())
		return
	}
	s.respond(c, req, protocol.SubscribeResult{
		AgentID: agent.ID,
		Epoch:   agent.Epoch,
		HeadSeq: agent.HeadSeq,
	})

	// Forward live updates only after the response is queued so the
	// client sees the head before any update.
	if ch != nil {
		go s.forward(c, ch)
	}
}

func (s *Server) handleWSUnsubscribe(c *client, req *protocol.Request) {
	var p protocol.AgentParams
	req.Decode(&p)

	s.subscriptionsMu.Lock()
	subID, ok := s.subscriptions[c][p.AgentID]
	if ok {
		delete(s.subscriptions[c], p.AgentID)
	}
	s.subscriptionsMu.Unlock()

	if ok {
		s.agents.Unsubscribe(p.AgentID, subID)
	}
	s.respond(c, req, protocol.UnsubscribeResult{AgentID: p.AgentID})
}

// subscribeClient subscribes a client to an agent's timeline. It
// returns a nil channel when the client is already subscribed.
func (s *Server) subscribeClient(c *client, agentID string) (<-chan timeline.Update, error) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][agentID]; exists {
		s.subscriptionsMu.Unlock()
		return nil, nil // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, err := s.agents.Subscribe(agentID)
	if err != nil {
		return nil, err
	}

	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if connected {
		if _, raced := subs[agentID]; !raced {
			subs[agentID] = subID
			s.subscriptionsMu.Unlock()
			return ch, nil
		}
	}
	s.subscriptionsMu.Unlock()

	// Client went away or subscribed twice concurrently.
	s.agents.Unsubscribe(agentID, subID)
	return nil, nil
}

// forward pushes timeline updates to a client until the subscription
// is closed. Updates dropped on a full buffer show up as a seq gap.
func (s *Server) forward(c *client, ch <-chan timeline.Update) {
	for u := range ch {
		msg, err := protocol.NewMessage(protocol.TypeTimelineUpdate, u)
		if err != nil {
			s.logger.Error("marshal timeline update", zap.String("agent_id", u.AgentID), zap.Error(err))
			continue
		}
		c.enqueue(msg)
	}
}

func (s *Server) agentInfos() []protocol.AgentInfo {
	agents := s.agents.List()
	infos := make([]protocol.AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, agentInfo(a))
	}
	return infos
}

func agentInfo(a session.Agent) protocol.AgentInfo {
	return protocol.AgentInfo{
		ID:        a.ID,
		Label:     a.Label,
		Provider:  a.Provider,
		State:     string(a.State),
		Epoch:     a.Epoch,
		HeadSeq:   a.HeadSeq,
		CreatedAt: a.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) respond(c *client, req *protocol.Request, data interface{}) {
	msg, err := protocol.NewResponse(req.Type, req.RequestID, data)
	if err != nil {
		s.logger.Error("build response", zap.String("type", req.Type), zap.Error(err))
		s.respondError(c, req, protocol.ErrInternal, err.Error())
		return
	}
	c.enqueue(msg)
}

func (s *Server) respondError(c *client, req *protocol.Request, code, message string) {
	msg, err := protocol.NewErrorResponse(req.Type, req.RequestID, code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// errorCode maps host errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrAgentNotFound):
		return protocol.ErrAgentNotFound
	case errors.Is(err, session.ErrInvalidFetch):
		return protocol.ErrInvalidCursor
	}
	return protocol.ErrInternal
}

// Shutdown disconnects every client.
func (s *Server) Shutdown() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

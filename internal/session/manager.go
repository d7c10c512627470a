package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agent-sync/internal/clock"
	"agent-sync/internal/metrics"
	"agent-sync/internal/timeline"
)

const (
	defaultRingBufCapacity  = 5000
	defaultSubscriberBufCap = 100
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")
	ErrMaxAgents     = errors.New("maximum agent limit reached")
	ErrInvalidFetch  = errors.New("invalid fetch request")
)

// Manager hosts agent timelines: it assigns seqs within an epoch,
// retains a window of entries for catch-up fetches and fans new entries
// out to live subscribers.
type Manager struct {
	mu        sync.RWMutex
	agents    map[string]*hostedAgent
	maxAgents int
	retain    int
	subBuf    int
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type hostedAgent struct {
	// mu serializes appends so seq assignment and fan-out order agree.
	mu          sync.Mutex
	agent       Agent
	ringBuf     *RingBuffer
	subscribers map[string]chan timeline.Update
	subMu       sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxAgents caps hosted agents; 0 means unlimited.
func WithMaxAgents(n int) Option { return func(m *Manager) { m.maxAgents = n } }

// WithRetain sets how many entries each agent retains for fetches.
func WithRetain(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.subBuf = n
		}
	}
}

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// NewManager creates a new agent manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		agents: make(map[string]*hostedAgent),
		retain: defaultRingBufCapacity,
		subBuf: defaultSubscriberBufCap,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new agent with a fresh epoch and an empty log.
func (m *Manager) Create(opts CreateOptions) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxAgents > 0 && len(m.agents) >= m.maxAgents {
		return Agent{}, fmt.Errorf("%w (%d)", ErrMaxAgents, m.maxAgents)
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := m.agents[id]; exists {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	now := m.clock.Now().UTC()
	ha := &hostedAgent{
		agent: Agent{
			ID:             id,
			Label:          opts.Label,
			Provider:       opts.Provider,
			TranscriptPath: opts.TranscriptPath,
			State:          StateActive,
			Epoch:          uuid.New().String(),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		ringBuf:     NewRingBuffer(m.retain),
		subscribers: make(map[string]chan timeline.Update),
	}
	m.agents[id] = ha
	m.metrics.SetAgents(len(m.agents))
	m.logger.Info("agent created",
		zap.String("agent_id", id),
		zap.String("provider", opts.Provider),
		zap.String("epoch", ha.agent.Epoch),
	)
	return ha.agent, nil
}

func (m *Manager) lookup(id string) (*hostedAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ha, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return ha, nil
}

// Get returns an agent by ID.
func (m *Manager) Get(id string) (Agent, error) {
	ha, err := m.lookup(id)
	if err != nil {
		return Agent{}, err
	}
	ha.mu.Lock()
	defer ha.mu.Unlock()
	return ha.agent, nil
}

// List returns all agents, oldest first.
func (m *Manager) List() []Agent {
	m.mu.RLock()
	hosted := make([]*hostedAgent, 0, len(m.agents))
	for _, ha := range m.agents {
		hosted = append(hosted, ha)
	}
	m.mu.RUnlock()

	result := make([]Agent, 0, len(hosted))
	for _, ha := range hosted {
		ha.mu.Lock()
		result = append(result, ha.agent)
		ha.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Remove drops an agent and closes its subscriptions.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	ha, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	n := len(m.agents)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	m.metrics.SetAgents(n)
	m.closeSubscribers(ha)
	return nil
}

// SetState updates an agent's lifecycle state.
func (m *Manager) SetState(id string, state State) error {
	ha, err := m.lookup(id)
	if err != nil {
		return err
	}
	ha.mu.Lock()
	defer ha.mu.Unlock()
	ha.agent.State = state
	ha.agent.UpdatedAt = m.clock.Now().UTC()
	return nil
}

// Append assigns the next seqs to items, retains them and pushes them
// to subscribers. It returns the new entries.
func (m *Manager) Append(id string, items ...timeline.Item) ([]timeline.Entry, error) {
	ha, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ha.mu.Lock()
	defer ha.mu.Unlock()

	now := m.clock.Now().UTC()
	entries := make([]timeline.Entry, len(items))
	for i, it := range items {
		ha.agent.HeadSeq++
		entries[i] = timeline.Entry{Seq: ha.agent.HeadSeq, Timestamp: now, Item: it}
		ha.ringBuf.Write(entries[i])
	}
	ha.agent.UpdatedAt = now
	if ha.agent.State == StateIdle {
		ha.agent.State = StateActive
	}
	m.metrics.RecordEntries("append", len(entries))

	m.fanOut(ha, timeline.Update{AgentID: id, Epoch: ha.agent.Epoch, Entries: entries})
	return entries, nil
}

// Rotate starts a new epoch for an agent and clears its log.
// Subscribers receive an empty update carrying the new epoch.
func (m *Manager) Rotate(id string) (string, error) {
	ha, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	ha.mu.Lock()
	defer ha.mu.Unlock()

	ha.agent.Epoch = uuid.New().String()
	ha.agent.HeadSeq = 0
	ha.agent.UpdatedAt = m.clock.Now().UTC()
	ha.ringBuf.Reset()
	m.metrics.RecordReset("rotate")
	m.logger.Info("agent epoch rotated", zap.String("agent_id", id), zap.String("epoch", ha.agent.Epoch))

	m.fanOut(ha, timeline.Update{AgentID: id, Epoch: ha.agent.Epoch})
	return ha.agent.Epoch, nil
}

// Fetch serves a catch-up request. An after fetch whose cursor belongs
// to another epoch, is ahead of the head or fell out of the retained
// window is answered with a tail and Reset set.
func (m *Manager) Fetch(id string, req timeline.FetchRequest) (timeline.FetchResponse, error) {
	if err := req.Validate(); err != nil {
		return timeline.FetchResponse{}, fmt.Errorf("%w: %v", ErrInvalidFetch, err)
	}
	ha, err := m.lookup(id)
	if err != nil {
		return timeline.FetchResponse{}, err
	}

	ha.mu.Lock()
	defer ha.mu.Unlock()

	epoch, head := ha.agent.Epoch, ha.agent.HeadSeq
	resp := timeline.FetchResponse{AgentID: id, Epoch: epoch}

	if req.Direction == timeline.DirectionAfter {
		c := *req.Cursor
		oldest := ha.ringBuf.Oldest()
		evicted := oldest > 0 && c.Seq+1 < oldest
		if c.Epoch == epoch && c.Seq <= head && !evicted {
			resp.Entries = limitHead(ha.ringBuf.After(c.Seq), req.Limit)
			resp.EndSeq = c.Seq
			if n := len(resp.Entries); n > 0 {
				resp.StartSeq = resp.Entries[0].Seq
				resp.EndSeq = resp.Entries[n-1].Seq
			}
			resp.Entries = project(resp.Entries, req.Projection)
			m.metrics.RecordEntries("fetch", len(resp.Entries))
			return resp, nil
		}
		resp.Reset = true
		m.metrics.RecordReset("stale_cursor")
		m.logger.Debug("stale cursor, answering with tail",
			zap.String("agent_id", id),
			zap.String("cursor", c.String()),
			zap.String("epoch", epoch),
			zap.Int64("head", head),
		)
	}

	all := ha.ringBuf.ReadAll()
	tail := all
	if req.Limit > 0 && len(tail) > req.Limit {
		tail = tail[len(tail)-req.Limit:]
	}
	resp.Entries = tail
	resp.EndSeq = head
	if len(tail) > 0 {
		resp.StartSeq = tail[0].Seq
		resp.HasOlder = tail[0].Seq > 1
	}
	resp.Entries = project(resp.Entries, req.Projection)
	m.metrics.RecordEntries("fetch", len(resp.Entries))
	return resp, nil
}

func limitHead(entries []timeline.Entry, limit int) []timeline.Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// project coalesces runs of assistant and reasoning deltas for the
// projected view. Each merged entry keeps the seq of its last delta.
func project(entries []timeline.Entry, p timeline.Projection) []timeline.Entry {
	if p != timeline.ProjectionProjected || len(entries) < 2 {
		return entries
	}
	out := make([]timeline.Entry, 0, len(entries))
	for _, e := range entries {
		if n := len(out); n > 0 {
			last := &out[n-1]
			t := e.Item.Type
			if t == last.Item.Type && (t == timeline.ItemAssistantMessage || t == timeline.ItemReasoning) {
				last.Item.Text += e.Item.Text
				last.Seq = e.Seq
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// Subscribe creates a channel that receives live updates for an agent.
// Returns a subscription ID for unsubscribing.
func (m *Manager) Subscribe(id string) (string, <-chan timeline.Update, error) {
	ha, err := m.lookup(id)
	if err != nil {
		return "", nil, err
	}

	subID := uuid.New().String()
	ch := make(chan timeline.Update, m.subBuf)

	ha.subMu.Lock()
	ha.subscribers[subID] = ch
	ha.subMu.Unlock()
	m.metrics.AddSubscribers(1)

	return subID, ch, nil
}

// Unsubscribe removes a subscriber from an agent.
func (m *Manager) Unsubscribe(agentID, subID string) {
	ha, err := m.lookup(agentID)
	if err != nil {
		return
	}

	ha.subMu.Lock()
	if ch, exists := ha.subscribers[subID]; exists {
		close(ch)
		delete(ha.subscribers, subID)
		m.metrics.AddSubscribers(-1)
	}
	ha.subMu.Unlock()
}

// fanOut sends an update to all subscribers. A subscriber whose buffer
// is full misses the update; it sees a seq gap on the next one.
func (m *Manager) fanOut(ha *hostedAgent, u timeline.Update) {
	ha.subMu.RLock()
	defer ha.subMu.RUnlock()

	for subID, ch := range ha.subscribers {
		select {
		case ch <- u:
		default:
			m.logger.Debug("subscriber buffer full, dropping update",
				zap.String("agent_id", u.AgentID),
				zap.String("subscription_id", subID),
			)
		}
	}
}

func (m *Manager) closeSubscribers(ha *hostedAgent) {
	ha.subMu.Lock()
	defer ha.subMu.Unlock()
	for subID, ch := range ha.subscribers {
		close(ch)
		delete(ha.subscribers, subID)
		m.metrics.AddSubscribers(-1)
	}
}

// Shutdown closes every subscription.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	hosted := make([]*hostedAgent, 0, len(m.agents))
	for _, ha := range m.agents {
		hosted = append(hosted, ha)
	}
	m.mu.RUnlock()

	for _, ha := range hosted {
		m.closeSubscribers(ha)
	}
}

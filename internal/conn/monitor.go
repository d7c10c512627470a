// Package conn tracks transport connectivity and provides the client
// side of the daemon websocket.
package conn

import (
	"sync"
	"time"

	"agent-sync/internal/clock"
)

// State is a snapshot of one connection's health.
type State struct {
	Connected bool
	LastError string
	Changed   time.Time
}

// Monitor broadcasts connectivity changes to subscribers. Each
// subscriber holds a one-slot channel that always carries the latest
// state; a slow reader skips intermediate states but never misses the
// most recent one.
type Monitor struct {
	mu     sync.Mutex
	clock  clock.Clock
	state  State
	subs   map[int]chan State
	hooks  map[int]func(State)
	nextID int
	closed bool
}

// NewMonitor returns a monitor in the disconnected state.
func NewMonitor(clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{
		clock: clk,
		state: State{Changed: clk.Now()},
		subs:  make(map[int]chan State),
		hooks: make(map[int]func(State)),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is up.
func (m *Monitor) Connected() bool {
	return m.State().Connected
}

// Subscribe returns a channel that receives the current state right
// away and every change after it, and a disposer that closes the
// channel. Calling the disposer more than once is safe.
//
// After Close the channel carries the final state and is closed.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 1)
	ch <- m.state
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// OnChange calls fn with the current state and then synchronously on
// every change, before channel subscribers are notified. fn runs under
// the monitor lock and must not call back into the monitor. The
// returned disposer unregisters fn.
func (m *Monitor) OnChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.state)
	if m.closed {
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.hooks[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.hooks, id)
	}
}

// SetConnected marks the transport up and clears the last error.
func (m *Monitor) SetConnected() {
	m.set(true, "")
}

// SetDisconnected marks the transport down. err may be nil for an
// orderly close.
func (m *Monitor) SetDisconnected(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.set(false, msg)
}

func (m *Monitor) set(connected bool, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Connected == connected && m.state.LastError == lastError {
		return
	}
	m.state = State{Connected: connected, LastError: lastError, Changed: m.clock.Now()}
	for _, fn := range m.hooks {
		fn(m.state)
	}
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- m.state
	}
}

// Close disposes every subscription and hook. Later state changes are
// still recorded but no longer broadcast.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id := range m.hooks {
		delete(m.hooks, id)
	}
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// Package rpc correlates requests and responses multiplexed over one
// transport, with per-attempt timeouts, retry with backoff, request
// dedupe, cancellation and fail-fast on disconnect.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agent-sync/internal/clock"
	"agent-sync/internal/metrics"
	"agent-sync/internal/protocol"
)

// Sender puts one request on the wire. Send is called with the
// correlator's lock held: it must not block on the peer and must not
// call back into the Correlator.
type Sender interface {
	Send(req *protocol.Request) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(req *protocol.Request) error

func (f SenderFunc) Send(req *protocol.Request) error { return f(req) }

// Correlator owns the pending-request table of one connection.
//
// Every state transition of a pending request (dispatch, failed attempt,
// settle, cancel) bumps its generation. Timers capture the generation
// they were armed for and do nothing once it moved on.
type Correlator struct {
	mu        sync.Mutex
	sender    Sender
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	random    func() float64
	connected bool

	byID  map[string]*pending
	byKey map[string]*pending
}

type pending struct {
	id      string
	key     string
	msgType string
	params  json.RawMessage
	opts    Options
	started time.Time

	attempt     int
	maxAttempts int
	generation  uint64
	backingOff  bool
	timeout     *clock.Timer
	retry       *clock.Timer

	waiters int
	settled bool
	done    chan struct{}
	result  json.RawMessage
	err     error
}

// Option configures a Correlator.
type Option func(*Correlator)

func WithClock(c clock.Clock) Option { return func(r *Correlator) { r.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(r *Correlator) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Correlator) { r.metrics = m } }

// WithRandom sets the jitter source; f returns samples in [0, 1).
func WithRandom(f func() float64) Option { return func(r *Correlator) { r.random = f } }

// WithConnected sets the initial connectivity. The default is connected.
func WithConnected(connected bool) Option { return func(r *Correlator) { r.connected = connected } }

// NewCorrelator creates a correlator that sends through s.
func NewCorrelator(s Sender, opts ...Option) *Correlator {
	c := &Correlator{
		sender:    s,
		clock:     clock.Real(),
		logger:    zap.NewNop(),
		connected: true,
		byID:      make(map[string]*pending),
		byKey:     make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute sends a request of msgType and waits for its response
// payload, retrying per opts.Retry. Cancelling ctx detaches this caller;
// the request itself is cancelled once no caller waits for it.
func (c *Correlator) Execute(ctx context.Context, msgType string, params any, opts Options) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", msgType, err)
		}
		raw = data
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Reason: ReasonCanceled, Type: msgType, Message: "context done before dispatch", Err: err}
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, &Error{Reason: ReasonDisconnected, Type: msgType, MaxAttempts: opts.Retry.attempts(), Message: "not connected"}
	}

	key := opts.DedupeKey
	if key == "" {
		key = msgType + "\x00" + string(raw)
	}
	if opts.Dedupe != DedupeOff {
		if p, ok := c.byKey[key]; ok {
			if opts.Dedupe == DedupeShare {
				p.waiters++
				c.mu.Unlock()
				c.logger.Debug("sharing pending request", zap.String("type", msgType), zap.String("request_id", p.id))
				return c.wait(ctx, p)
			}
			c.settleLocked(p, nil, c.errorFor(p, ReasonCanceled, "replaced by a newer request", nil))
		}
	}

	p := &pending{
		id:          uuid.NewString(),
		key:         key,
		msgType:     msgType,
		params:      raw,
		opts:        opts,
		started:     c.clock.Now(),
		maxAttempts: opts.Retry.attempts(),
		waiters:     1,
		done:        make(chan struct{}),
	}
	c.byID[p.id] = p
	if opts.Dedupe != DedupeOff {
		c.byKey[key] = p
	}
	c.metrics.RecordRPCStart()
	c.dispatchLocked(p)
	c.mu.Unlock()

	return c.wait(ctx, p)
}

func (c *Correlator) wait(ctx context.Context, p *pending) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p.settled {
		return p.result, p.err
	}
	p.waiters--
	cause := ctx.Err()
	err := c.errorFor(p, ReasonCanceled, "caller context done", cause)
	if p.waiters == 0 {
		c.settleLocked(p, nil, err)
	}
	return nil, err
}

// dispatchLocked starts the next attempt.
func (c *Correlator) dispatchLocked(p *pending) {
	p.backingOff = false
	p.attempt++
	p.generation++
	gen := p.generation

	req := &protocol.Request{Type: p.msgType, RequestID: p.id, Params: p.params}
	c.metrics.RecordRPCAttempt(p.msgType)
	if err := c.sender.Send(req); err != nil {
		c.failAttemptLocked(p, c.errorFor(p, ReasonDispatch, "send failed", err))
		return
	}

	if p.opts.Timeout > 0 {
		timeout := p.opts.Timeout
		p.timeout = c.clock.AfterFunc(timeout, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if p.settled || p.generation != gen {
				return
			}
			c.failAttemptLocked(p, c.errorFor(p, ReasonTimeout, fmt.Sprintf("no response within %s", timeout), nil))
		})
	}
}

// failAttemptLocked retries p after a backoff delay or settles it.
func (c *Correlator) failAttemptLocked(p *pending, cause *Error) {
	p.timeout.Stop()
	p.retry.Stop()
	p.generation++

	if cause.Reason == ReasonDisconnected || !c.connected {
		c.settleLocked(p, nil, cause)
		return
	}
	if p.attempt >= p.maxAttempts {
		c.logger.Warn("request failed after final attempt",
			zap.String("type", p.msgType),
			zap.String("request_id", p.id),
			zap.Int("attempts", p.attempt),
			zap.Error(cause),
		)
		c.settleLocked(p, nil, &Error{
			Reason:      ReasonRetryExhausted,
			Type:        p.msgType,
			RequestID:   p.id,
			Attempt:     p.attempt,
			MaxAttempts: p.maxAttempts,
			Message:     string(cause.Reason),
			Err:         cause,
		})
		return
	}

	delay := p.opts.Retry.Delay(p.attempt, c.random)
	c.logger.Debug("retrying request",
		zap.String("type", p.msgType),
		zap.String("request_id", p.id),
		zap.Int("attempt", p.attempt),
		zap.Duration("delay", delay),
		zap.String("reason", string(cause.Reason)),
	)
	if delay <= 0 {
		c.dispatchLocked(p)
		return
	}

	p.backingOff = true
	gen := p.generation
	p.retry = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if p.settled || p.generation != gen {
			return
		}
		c.dispatchLocked(p)
	})
}

// settleLocked completes p exactly once.
func (c *Correlator) settleLocked(p *pending, result json.RawMessage, err error) {
	if p.settled {
		return
	}
	p.settled = true
	p.generation++
	p.timeout.Stop()
	p.retry.Stop()

	delete(c.byID, p.id)
	if c.byKey[p.key] == p {
		delete(c.byKey, p.key)
	}

	p.result = result
	p.err = err
	close(p.done)

	outcome := "ok"
	if e, ok := err.(*Error); ok {
		outcome = string(e.Reason)
	}
	c.metrics.RecordRPCSettle(p.msgType, outcome, c.clock.Now().Sub(p.started))
}

func (c *Correlator) errorFor(p *pending, reason Reason, msg string, cause error) *Error {
	return &Error{
		Reason:      reason,
		Type:        p.msgType,
		RequestID:   p.id,
		Attempt:     p.attempt,
		MaxAttempts: p.maxAttempts,
		Message:     msg,
		Err:         cause,
	}
}

// HandleMessage routes a response to its pending request. It reports
// whether msg correlated with a pending request; anything else is left
// untouched for the caller. An error response received while the
// request is backing off before a retry is ignored.
func (c *Correlator) HandleMessage(msg *protocol.Message) bool {
	if msg == nil {
		return false
	}
	h, ok := protocol.ParseResponseHeader(msg.Payload)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[h.RequestID]
	if !ok {
		return false
	}

	if h.Error != "" {
		if p.backingOff {
			return true
		}
		e := c.errorFor(p, ReasonResponse, h.Error, nil)
		e.Code = h.Code
		c.failAttemptLocked(p, e)
		return true
	}
	c.settleLocked(p, append(json.RawMessage(nil), msg.Payload...), nil)
	return true
}

// Cancel rejects the pending request with the given id.
func (c *Correlator) Cancel(requestID, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[requestID]
	if !ok {
		return false
	}
	c.settleLocked(p, nil, c.errorFor(p, ReasonCanceled, reason, nil))
	return true
}

// CancelType rejects every pending request of msgType and returns how
// many there were.
func (c *Correlator) CancelType(msgType, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.snapshotLocked() {
		if p.msgType == msgType {
			c.settleLocked(p, nil, c.errorFor(p, ReasonCanceled, reason, nil))
			n++
		}
	}
	return n
}

// CancelAll rejects every pending request.
func (c *Correlator) CancelAll(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.snapshotLocked() {
		c.settleLocked(p, nil, c.errorFor(p, ReasonCanceled, reason, nil))
	}
}

// Reset cancels everything pending, leaving the correlator ready for
// new requests.
func (c *Correlator) Reset() {
	c.CancelAll("reset")
}

// SetConnected records transport connectivity. Going down fails every
// pending request with a disconnected error, without retry.
func (c *Correlator) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if connected {
		return
	}
	for _, p := range c.snapshotLocked() {
		c.settleLocked(p, nil, c.errorFor(p, ReasonDisconnected, "transport disconnected", nil))
	}
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

func (c *Correlator) snapshotLocked() []*pending {
	out := make([]*pending, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	return out
}

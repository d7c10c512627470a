package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the daemon and the client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RPCRequests *prometheus.CounterVec
	RPCAttempts *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	RPCInFlight prometheus.Gauge

	TimelineEntries *prometheus.CounterVec
	TimelineResets  *prometheus.CounterVec
	AgentsHosted    prometheus.Gauge
	Subscribers     prometheus.Gauge
	ToolCalls       *prometheus.CounterVec

	WSClients  prometheus.Gauge
	Reconnects prometheus.Counter
}

// New constructs a metrics registry with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_rpc_requests_total",
		Help: "Settled RPC requests by type and outcome",
	}, []string{"type", "outcome"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_rpc_attempts_total",
		Help: "RPC wire sends by type",
	}, []string{"type"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsync_rpc_duration_seconds",
		Help:    "RPC time from execute to settle",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_rpc_in_flight",
		Help: "Pending RPC requests",
	})

	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_timeline_entries_total",
		Help: "Timeline entries by source (append, fetch, update)",
	}, []string{"source"})

	resets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_timeline_resets_total",
		Help: "Timeline bootstraps by reason",
	}, []string{"reason"})

	agents := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_agents_hosted",
		Help: "Agent timelines hosted by the daemon",
	})

	subs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_timeline_subscribers",
		Help: "Live timeline subscriptions",
	})

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_tool_calls_normalized_total",
		Help: "Normalized tool records by provider and detail kind",
	}, []string{"provider", "kind"})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_ws_clients",
		Help: "Connected websocket clients",
	})

	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_reconnects_total",
		Help: "Client redial attempts",
	})

	reg.MustRegister(reqs, attempts, durs, inflight, entries, resets, agents, subs, calls, clients, reconnects)

	return &Metrics{
		registry:        reg,
		RPCRequests:     reqs,
		RPCAttempts:     attempts,
		RPCDuration:     durs,
		RPCInFlight:     inflight,
		TimelineEntries: entries,
		TimelineResets:  resets,
		AgentsHosted:    agents,
		Subscribers:     subs,
		ToolCalls:       calls,
		WSClients:       clients,
		Reconnects:      reconnects,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRPCStart counts a new pending request.
func (m *Metrics) RecordRPCStart() {
	if m == nil {
		return
	}
	m.RPCInFlight.Inc()
}

// RecordRPCAttempt counts one wire send.
func (m *Metrics) RecordRPCAttempt(msgType string) {
	if m == nil {
		return
	}
	m.RPCAttempts.WithLabelValues(msgType).Inc()
}

// RecordRPCSettle records the outcome of a pending request.
func (m *Metrics) RecordRPCSettle(msgType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.RPCInFlight.Dec()
	m.RPCRequests.WithLabelValues(msgType, outcome).Inc()
	m.RPCDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordEntries counts timeline entries from one source.
func (m *Metrics) RecordEntries(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TimelineEntries.WithLabelValues(source).Add(float64(n))
}

// RecordReset counts a timeline bootstrap.
func (m *Metrics) RecordReset(reason string) {
	if m == nil {
		return
	}
	m.TimelineResets.WithLabelValues(reason).Inc()
}

// SetAgents sets the hosted agent gauge.
func (m *Metrics) SetAgents(n int) {
	if m == nil {
		return
	}
	m.AgentsHosted.Set(float64(n))
}

// AddSubscribers moves the subscription gauge by delta.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// RecordToolCall counts one normalized tool record.
func (m *Metrics) RecordToolCall(provider, kind string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "generic"
	}
	m.ToolCalls.WithLabelValues(provider, kind).Inc()
}

// AddWSClients moves the websocket client gauge by delta.
func (m *Metrics) AddWSClients(delta int) {
	if m == nil {
		return
	}
	m.WSClients.Add(float64(delta))
}

// RecordReconnect counts a redial attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

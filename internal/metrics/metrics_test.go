package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRPCStart()
	m.RecordRPCAttempt("timeline.fetch")
	m.RecordRPCSettle("timeline.fetch", "ok", time.Second)
	m.RecordEntries("fetch", 3)
	m.RecordReset("epoch")
	m.SetAgents(1)
	m.AddSubscribers(1)
	m.RecordToolCall("claude", "shell")
	m.AddWSClients(1)
	m.RecordReconnect()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}

func TestRPCMetrics(t *testing.T) {
	m := New()
	m.RecordRPCStart()
	m.RecordRPCStart()
	m.RecordRPCAttempt("timeline.fetch")
	m.RecordRPCSettle("timeline.fetch", "ok", 10*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.RPCInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("timeline.fetch", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RPCAttempts.WithLabelValues("timeline.fetch")))
}

func TestToolCallProviderDefault(t *testing.T) {
	m := New()
	m.RecordToolCall("", "unknown")
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("generic", "unknown")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RecordEntries("append", 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `agentsync_timeline_entries_total{source="append"} 2`))
}

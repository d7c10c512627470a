package client

import "agent-sync/internal/timeline"

// EventKind classifies client events.
type EventKind string

const (
	// EventSynced follows a completed catch-up fetch.
	EventSynced EventKind = "synced"
	// EventUpdate follows a live update folded without a gap.
	EventUpdate EventKind = "update"
	// EventError reports a failed catch-up that will be retried.
	EventError EventKind = "error"
	// EventDisconnected reports the end of a connection.
	EventDisconnected EventKind = "disconnected"
)

// Event reports sync progress for one agent. Entries are the entries
// the event added.
type Event struct {
	Kind    EventKind
	AgentID string
	Cursor  timeline.Cursor
	Entries []timeline.Entry
	Reset   bool
	Err     error
}

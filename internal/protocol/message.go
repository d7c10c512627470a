package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"agent-sync/internal/timeline"
)

// Message is the envelope for server-originated WebSocket messages:
// responses and pushes.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Client → Server request types.
const (
	TypeTimelineFetch       = "timeline.fetch"
	TypeTimelineSubscribe   = "timeline.subscribe"
	TypeTimelineUnsubscribe = "timeline.unsubscribe"
	TypeAgentList           = "agent.list"
)

// Server → Client message types.
const (
	TypeTimelineUpdate = "timeline.update"
	TypeError          = "error"
)

// ResponseSuffix is appended to a request type to name its response.
const ResponseSuffix = ".response"

// ResponseType returns the response type for a request type.
func ResponseType(requestType string) string { return requestType + ResponseSuffix }

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrAgentNotFound  = "AGENT_NOT_FOUND"
	ErrInvalidCursor  = "INVALID_CURSOR"
	ErrInternal       = "INTERNAL"
)

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server params.

// TimelineFetchParams is the body of a timeline.fetch request.
type TimelineFetchParams struct {
	AgentID string `json:"agentId"`
	timeline.FetchRequest
}

// AgentParams is the body of subscribe and unsubscribe requests.
type AgentParams struct {
	AgentID string `json:"agentId"`
}

// Server → Client payloads.

// SubscribeResult answers timeline.subscribe with the agent's head so
// the client can tell whether it is behind.
type SubscribeResult struct {
	AgentID string `json:"agentId"`
	Epoch   string `json:"epoch"`
	HeadSeq int64  `json:"headSeq"`
}

type UnsubscribeResult struct {
	AgentID string `json:"agentId"`
}

// AgentInfo describes one hosted agent timeline.
type AgentInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Epoch     string `json:"epoch"`
	HeadSeq   int64  `json:"headSeq"`
	CreatedAt string `json:"createdAt"`
}

type AgentListResult struct {
	Agents []AgentInfo `json:"agents"`
}

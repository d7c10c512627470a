package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server request types.
var validClientTypes = map[string]bool{
	TypeTimelineFetch:       true,
	TypeTimelineSubscribe:   true,
	TypeTimelineUnsubscribe: true,
	TypeAgentList:           true,
}

// ValidateClientRequest validates a raw JSON request from a client.
// Returns the parsed Request and any validation error. A request that
// parsed far enough to carry a requestId is returned alongside the
// error so the caller can answer it.
func ValidateClientRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if req.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[req.Type] {
		return &req, fmt.Errorf("unknown message type: %s", req.Type)
	}

	if req.RequestID == "" {
		return nil, fmt.Errorf("missing 'requestId' field in %s", req.Type)
	}

	// Validate required params per type.
	switch req.Type {
	case TypeTimelineFetch:
		var p TimelineFetchParams
		if err := req.Decode(&p); err != nil {
			return &req, fmt.Errorf("invalid params for %s: %w", req.Type, err)
		}
		if p.AgentID == "" {
			return &req, fmt.Errorf("missing required field 'agentId' in %s", req.Type)
		}
		if err := p.Validate(); err != nil {
			return &req, fmt.Errorf("invalid %s: %w", req.Type, err)
		}

	case TypeTimelineSubscribe, TypeTimelineUnsubscribe:
		var p AgentParams
		if err := req.Decode(&p); err != nil {
			return &req, fmt.Errorf("invalid params for %s: %w", req.Type, err)
		}
		if p.AgentID == "" {
			return &req, fmt.Errorf("missing required field 'agentId' in %s", req.Type)
		}
	}

	return &req, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

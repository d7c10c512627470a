package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"agent-sync/internal/timeline"
)

func TestNewMessage(t *testing.T) {
	payload := AgentInfo{
		ID:    "test-id",
		State: "active",
		Label: "test",
	}

	msg, err := NewMessage(TypeTimelineUpdate, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeTimelineUpdate {
		t.Errorf("expected type %s, got %s", TypeTimelineUpdate, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p AgentInfo
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ID != "test-id" {
		t.Errorf("expected ID 'test-id', got %s", p.ID)
	}
}

func TestValidateClientRequest_ValidFetch(t *testing.T) {
	raw := `{"type":"timeline.fetch","requestId":"r1","agentId":"a1","direction":"after","cursor":{"epoch":"e1","seq":42},"limit":0,"projection":"canonical"}`

	req, err := ValidateClientRequest([]byte(raw))
	if err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
	if req.Type != TypeTimelineFetch || req.RequestID != "r1" {
		t.Fatalf("unexpected header: %+v", req)
	}

	var p TimelineFetchParams
	if err := req.Decode(&p); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if p.AgentID != "a1" || p.Direction != timeline.DirectionAfter {
		t.Errorf("unexpected params: %+v", p)
	}
	if p.Cursor == nil || *p.Cursor != (timeline.Cursor{Epoch: "e1", Seq: 42}) {
		t.Errorf("unexpected cursor: %+v", p.Cursor)
	}
}

func TestValidateClientRequest_ValidSubscribe(t *testing.T) {
	req, err := ValidateClientRequest([]byte(`{"type":"timeline.subscribe","requestId":"r2","agentId":"a1"}`))
	if err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
	if req.Type != TypeTimelineSubscribe {
		t.Errorf("expected type %s, got %s", TypeTimelineSubscribe, req.Type)
	}
}

func TestValidateClientRequest_ValidAgentList(t *testing.T) {
	if _, err := ValidateClientRequest([]byte(`{"type":"agent.list","requestId":"r3"}`)); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
}

func TestValidateClientRequest_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", `{`, "invalid JSON"},
		{"missing type", `{"requestId":"r1"}`, "missing 'type'"},
		{"unknown type", `{"type":"session.create","requestId":"r1"}`, "unknown message type"},
		{"missing request id", `{"type":"agent.list"}`, "missing 'requestId'"},
		{"fetch without agent", `{"type":"timeline.fetch","requestId":"r1","direction":"tail"}`, "agentId"},
		{"fetch after without cursor", `{"type":"timeline.fetch","requestId":"r1","agentId":"a","direction":"after"}`, "cursor"},
		{"fetch bad direction", `{"type":"timeline.fetch","requestId":"r1","agentId":"a","direction":"up"}`, "direction"},
		{"subscribe without agent", `{"type":"timeline.subscribe","requestId":"r1"}`, "agentId"},
		{"unsubscribe bad agent", `{"type":"timeline.unsubscribe","requestId":"r1","agentId":5}`, "invalid params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateClientRequest([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRequestFlattensParams(t *testing.T) {
	req, err := NewRequest(TypeTimelineSubscribe, "r9", AgentParams{AgentID: "a1"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != TypeTimelineSubscribe || got["requestId"] != "r9" || got["agentId"] != "a1" {
		t.Errorf("unexpected wire form: %s", data)
	}
}

func TestRequestNilParams(t *testing.T) {
	req, err := NewRequest(TypeAgentList, "r1", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	data, _ := json.Marshal(req)
	if string(data) != `{"requestId":"r1","type":"agent.list"}` {
		t.Errorf("unexpected wire form: %s", data)
	}
}

func TestRequestRejectsNonObjectParams(t *testing.T) {
	if _, err := NewRequest(TypeAgentList, "r1", []int{1, 2}); err == nil {
		t.Fatal("expected error for array params")
	}
}

func TestNewResponse(t *testing.T) {
	msg, err := NewResponse(TypeTimelineSubscribe, "r1", SubscribeResult{AgentID: "a1", Epoch: "e1", HeadSeq: 7})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	if msg.Type != "timeline.subscribe.response" {
		t.Errorf("unexpected type %s", msg.Type)
	}

	h, ok := ParseResponseHeader(msg.Payload)
	if !ok || h.RequestID != "r1" || h.Error != "" {
		t.Errorf("unexpected header %+v", h)
	}

	var res SubscribeResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.HeadSeq != 7 || res.Epoch != "e1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestNewErrorResponse(t *testing.T) {
	msg, err := NewErrorResponse(TypeTimelineFetch, "r1", ErrAgentNotFound, "agent not found: x")
	if err != nil {
		t.Fatalf("NewErrorResponse failed: %v", err)
	}
	h, ok := ParseResponseHeader(msg.Payload)
	if !ok {
		t.Fatal("expected header")
	}
	if h.Code != ErrAgentNotFound || h.Error != "agent not found: x" {
		t.Errorf("unexpected header %+v", h)
	}
}

func TestParseResponseHeaderWithoutRequestID(t *testing.T) {
	if _, ok := ParseResponseHeader(json.RawMessage(`{"agentId":"a"}`)); ok {
		t.Error("expected no header")
	}
	if _, ok := ParseResponseHeader(json.RawMessage(`"text"`)); ok {
		t.Error("expected no header for non-object")
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrInvalidMessage, "bad")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != ErrInvalidMessage {
		t.Errorf("expected code %s, got %s", ErrInvalidMessage, p.Code)
	}
}

func TestParseResponseHeaderErrorShapes(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantError string
		wantCode  string
	}{
		{"string", `{"requestId":"r1","error":"boom","code":"INTERNAL"}`, "boom", "INTERNAL"},
		{"object", `{"requestId":"r1","error":{"message":"quota exceeded","code":"RATE_LIMITED"}}`, "quota exceeded", "RATE_LIMITED"},
		{"object keeps outer code", `{"requestId":"r1","code":"X","error":{"message":"m","code":"Y"}}`, "m", "X"},
		{"object without message", `{"requestId":"r1","error":{"reason":"down"}}`, `{"reason":"down"}`, ""},
		{"number", `{"requestId":"r1","error":42}`, "42", ""},
		{"null", `{"requestId":"r1","error":null}`, "", ""},
		{"numeric code", `{"requestId":"r1","error":"e","code":503}`, "e", "503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := ParseResponseHeader(json.RawMessage(tt.payload))
			if !ok || h.RequestID != "r1" {
				t.Fatalf("expected header for r1, got %+v ok=%v", h, ok)
			}
			if h.Error != tt.wantError || h.Code != tt.wantCode {
				t.Errorf("got error=%q code=%q, want %q %q", h.Error, h.Code, tt.wantError, tt.wantCode)
			}
		})
	}
}

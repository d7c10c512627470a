package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Request is a client request: {type, requestId, ...params}. Params is
// the full JSON object of the request; the type and requestId keys in
// it are overwritten on marshal.
type Request struct {
	Type      string
	RequestID string
	Params    json.RawMessage
}

// NewRequest marshals params, which must encode to a JSON object or
// null, into a request.
func NewRequest(msgType, requestID string, params interface{}) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", msgType, err)
		}
		raw = data
	}
	if _, err := paramsObject(raw); err != nil {
		return nil, fmt.Errorf("%s params: %w", msgType, err)
	}
	return &Request{Type: msgType, RequestID: requestID, Params: raw}, nil
}

// Decode unmarshals the request params into v.
func (r *Request) Decode(v interface{}) error {
	if len(r.Params) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(r.Params, v)
}

func (r Request) MarshalJSON() ([]byte, error) {
	fields, err := paramsObject(r.Params)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 2)
	}
	fields["type"], _ = json.Marshal(r.Type)
	fields["requestId"], _ = json.Marshal(r.RequestID)
	return json.Marshal(fields)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var head struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.Type = head.Type
	r.RequestID = head.RequestID
	r.Params = append(json.RawMessage(nil), data...)
	return nil
}

func paramsObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return fields, nil
}

// ResponseHeader holds the correlation fields every response payload
// carries next to its data.
type ResponseHeader struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// ParseResponseHeader extracts the correlation fields from a payload.
// A payload that is not an object has no header.
// A non-string error is kept: an object's message (and code) is used,
// any other non-null value becomes its JSON text.
func ParseResponseHeader(payload json.RawMessage) (ResponseHeader, bool) {
	var w struct {
		RequestID string          `json:"requestId"`
		Error     json.RawMessage `json:"error"`
		Code      json.RawMessage `json:"code"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &w) != nil {
		return ResponseHeader{}, false
	}
	h := ResponseHeader{RequestID: w.RequestID, Code: rawString(w.Code)}
	h.Error, h.Code = errorText(w.Error, h.Code)
	return h, h.RequestID != ""
}

func errorText(raw json.RawMessage, code string) (string, string) {
	if isNull(raw) {
		return "", code
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, code
	}
	var obj struct {
		Message json.RawMessage `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	if json.Unmarshal(raw, &obj) == nil && !isNull(obj.Message) {
		if code == "" {
			code = rawString(obj.Code)
		}
		if msg := rawString(obj.Message); msg != "" {
			return msg, code
		}
		return string(obj.Message), code
	}
	return string(raw), code
}

// rawString returns raw as a string when it is a JSON string, else its
// JSON text. null and absent values give "".
func rawString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NewResponse builds {type: requestType.response, payload: {requestId,
// ...data}}. data must encode to a JSON object or null.
func NewResponse(requestType, requestID string, data interface{}) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s response: %w", requestType, err)
		}
		raw = b
	}
	fields, err := paramsObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", requestType, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	fields["requestId"], _ = json.Marshal(requestID)
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal %s response: %w", requestType, err)
	}
	return &Message{
		Type:      ResponseType(requestType),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorResponse builds a response whose payload carries an error.
func NewErrorResponse(requestType, requestID, code, message string) (*Message, error) {
	return NewMessage(ResponseType(requestType), ResponseHeader{
		RequestID: requestID,
		Error:     message,
		Code:      code,
	})
}

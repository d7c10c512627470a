package rpc

import (
	"fmt"
)

// Reason classifies an RPC failure.
type Reason string

const (
	// ReasonDispatch: the send failed before any response could arrive.
	ReasonDispatch Reason = "dispatch"
	// ReasonTimeout: no matching response within the timeout.
	ReasonTimeout Reason = "timeout"
	// ReasonResponse: the peer answered with an error field.
	ReasonResponse Reason = "response"
	// ReasonDisconnected: the transport dropped while waiting. Never retried.
	ReasonDisconnected Reason = "disconnected"
	// ReasonRetryExhausted wraps the last attempt's error.
	ReasonRetryExhausted Reason = "retry_exhausted"
	// ReasonCanceled: the caller aborted.
	ReasonCanceled Reason = "canceled"
)

// Error is the terminal error of a request. Err holds the underlying
// cause: the last attempt's *Error for retry_exhausted, the send error
// for dispatch, the context error for ctx cancellation.
type Error struct {
	Reason      Reason
	Type        string
	RequestID   string
	Attempt     int
	MaxAttempts int
	Code        string
	Message     string
	Err         error
}

// Sentinels for errors.Is. They match any *Error with the same Reason,
// including one wrapped by a retry_exhausted error.
var (
	ErrDispatch       = &Error{Reason: ReasonDispatch}
	ErrTimeout        = &Error{Reason: ReasonTimeout}
	ErrResponse       = &Error{Reason: ReasonResponse}
	ErrDisconnected   = &Error{Reason: ReasonDisconnected}
	ErrRetryExhausted = &Error{Reason: ReasonRetryExhausted}
	ErrCanceled       = &Error{Reason: ReasonCanceled}
)

func (e *Error) Error() string {
	head := fmt.Sprintf("rpc %s", e.Reason)
	if e.Type != "" {
		head = fmt.Sprintf("rpc %s %s", e.Type, e.Reason)
	}
	if e.RequestID != "" {
		head += fmt.Sprintf(" (request %s, attempt %d/%d)", e.RequestID, e.Attempt, e.MaxAttempts)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", head, e.Message, e.Err)
	case e.Message != "":
		return head + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", head, e.Err)
	}
	return head
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && t.RequestID == "" && t.Type == ""
}

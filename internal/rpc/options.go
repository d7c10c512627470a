package rpc

import "time"

// DedupePolicy decides what happens when a request is executed while
// another one with the same dedupe key is pending.
type DedupePolicy int

const (
	// DedupeShare returns the pending request's result to the new caller.
	DedupeShare DedupePolicy = iota
	// DedupeOff always issues a new request.
	DedupeOff
	// DedupeReplace cancels the pending request and issues a new one.
	DedupeReplace
)

func (p DedupePolicy) String() string {
	switch p {
	case DedupeShare:
		return "share"
	case DedupeOff:
		return "off"
	case DedupeReplace:
		return "replace"
	}
	return "unknown"
}

// ParseDedupePolicy maps a config value to a policy. Empty means share.
func ParseDedupePolicy(s string) (DedupePolicy, bool) {
	switch s {
	case "", "share":
		return DedupeShare, true
	case "off":
		return DedupeOff, true
	case "replace":
		return DedupeReplace, true
	}
	return DedupeShare, false
}

// Options configures one Execute call.
type Options struct {
	// Timeout per attempt. Zero waits for a response or a disconnect.
	Timeout time.Duration
	Retry   RetryPolicy
	Dedupe  DedupePolicy
	// DedupeKey overrides the default key of type plus serialized params.
	DedupeKey string
}

// DefaultOptions are the options used by the client for daemon requests.
func DefaultOptions() Options {
	return Options{
		Timeout: 10 * time.Second,
		Retry:   DefaultRetryPolicy(),
		Dedupe:  DedupeShare,
	}
}

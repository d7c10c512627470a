package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Requester binds one request type to its params and response shapes.
type Requester[P any, D any] struct {
	c       *Correlator
	msgType string
	opts    Options
}

// NewRequester returns a typed view of c for msgType.
func NewRequester[P any, D any](c *Correlator, msgType string, opts Options) *Requester[P, D] {
	return &Requester[P, D]{c: c, msgType: msgType, opts: opts}
}

// Execute sends params and decodes the response payload into D.
func (r *Requester[P, D]) Execute(ctx context.Context, params P) (D, error) {
	var out D
	raw, err := r.c.Execute(ctx, r.msgType, params, r.opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", r.msgType, err)
	}
	return out, nil
}

// Cancel rejects every pending request of this type.
func (r *Requester[P, D]) Cancel(reason string) {
	r.c.CancelType(r.msgType, reason)
}

// Reset cancels pending requests of this type.
func (r *Requester[P, D]) Reset() {
	r.c.CancelType(r.msgType, "reset")
}

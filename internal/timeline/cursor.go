package timeline

import (
	"fmt"
	"time"
)

// Cursor marks how far a client has synchronized one agent timeline.
// Seq is only comparable between cursors of the same Epoch.
type Cursor struct {
	Epoch string `json:"epoch"`
	Seq   int64  `json:"seq"`
}

func (c Cursor) String() string { return fmt.Sprintf("%s:%d", c.Epoch, c.Seq) }

// Direction selects how a fetch is anchored.
type Direction string

const (
	DirectionTail  Direction = "tail"
	DirectionAfter Direction = "after"
)

// Projection selects the item shape returned by a fetch.
type Projection string

const (
	ProjectionCanonical Projection = "canonical"
	ProjectionProjected Projection = "projected"
)

// FetchRequest asks the daemon for timeline entries. Limit 0 means
// unbounded.
type FetchRequest struct {
	Direction  Direction  `json:"direction"`
	Cursor     *Cursor    `json:"cursor,omitempty"`
	Limit      int        `json:"limit"`
	Projection Projection `json:"projection"`
}

// Validate checks the request shape.
func (r FetchRequest) Validate() error {
	switch r.Direction {
	case DirectionTail:
	case DirectionAfter:
		if r.Cursor == nil || r.Cursor.Epoch == "" {
			return fmt.Errorf("after fetch requires a cursor with an epoch")
		}
		if r.Cursor.Seq < 0 {
			return fmt.Errorf("cursor seq must be >= 0, got %d", r.Cursor.Seq)
		}
	default:
		return fmt.Errorf("unknown fetch direction %q", r.Direction)
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", r.Limit)
	}
	switch r.Projection {
	case "", ProjectionCanonical, ProjectionProjected:
	default:
		return fmt.Errorf("unknown projection %q", r.Projection)
	}
	return nil
}

// Entry is one sequenced item of the daemon log.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Item      Item      `json:"item"`
}

// FetchResponse carries the entries of a fetch. EndSeq is the seq the
// client cursor advances to. Reset means the requested cursor could not
// be served incrementally and the entries are a fresh tail.
type FetchResponse struct {
	AgentID  string  `json:"agentId"`
	Epoch    string  `json:"epoch"`
	StartSeq int64   `json:"startSeq"`
	EndSeq   int64   `json:"endSeq"`
	Reset    bool    `json:"reset,omitempty"`
	HasOlder bool    `json:"hasOlder,omitempty"`
	Entries  []Entry `json:"entries"`
}

// Update is a live push of new entries for one agent.
type Update struct {
	AgentID string  `json:"agentId"`
	Epoch   string  `json:"epoch"`
	Entries []Entry `json:"entries"`
}

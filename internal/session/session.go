package session

import "time"

// State represents the lifecycle state of a hosted agent.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
	StateEnded  State = "ended"
)

// Agent holds metadata for one hosted agent timeline.
type Agent struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	Provider       string    `json:"provider"`
	TranscriptPath string    `json:"transcriptPath,omitempty"`
	State          State     `json:"state"`
	Epoch          string    `json:"epoch"`
	HeadSeq        int64     `json:"headSeq"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CreateOptions describes a new agent. An empty ID gets a fresh uuid.
type CreateOptions struct {
	ID             string
	Label          string
	Provider       string
	TranscriptPath string
}

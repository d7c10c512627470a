package session

import (
	"sync"

	"agent-sync/internal/timeline"
)

// RingBuffer is a fixed-capacity circular buffer of timeline entries.
// It holds the retained window of an agent's log that fetches are
// served from.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []timeline.Entry
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]timeline.Entry, capacity),
		capacity: capacity,
	}
}

// Write adds an entry to the ring buffer.
func (rb *RingBuffer) Write(entry timeline.Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = entry
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all entries in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []timeline.Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.readLocked()
}

func (rb *RingBuffer) readLocked() []timeline.Entry {
	if !rb.full {
		result := make([]timeline.Entry, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]timeline.Entry, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Len returns the number of retained entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// Oldest returns the seq of the oldest retained entry, or 0 when empty.
func (rb *RingBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	switch {
	case rb.full:
		return rb.buf[rb.pos].Seq
	case rb.pos > 0:
		return rb.buf[0].Seq
	}
	return 0
}

// After returns the retained entries with a seq greater than seq.
func (rb *RingBuffer) After(seq int64) []timeline.Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	all := rb.readLocked()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Reset drops every entry.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.buf)
	rb.pos = 0
	rb.full = false
}

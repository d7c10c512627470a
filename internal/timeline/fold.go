package timeline

import (
	"sync"
	"time"

	"agent-sync/internal/toolcall"
)

// DefaultRetain is how many applied entries a Fold keeps for snapshots.
const DefaultRetain = 1000

// ToolCallState is the folded state of one tool invocation.
type ToolCallState struct {
	CallID string
	Name   string
	Status ToolStatus
	Detail toolcall.Detail
	Error  string
}

// Fold merges a stream of timeline items into per-call state and an
// ordered log. The log holds one tool_call entry per call id, at the
// position of its first sighting; the current state of that call is
// read through ToolCall.
type Fold struct {
	mu sync.RWMutex

	calls  map[string]*ToolCallState
	order  []string
	log    []Item
	cursor *Cursor

	retain  int
	entries []Entry
}

// NewFold returns an empty fold that retains the last retain applied
// entries (DefaultRetain when retain <= 0).
func NewFold(retain int) *Fold {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Fold{
		calls:  make(map[string]*ToolCallState),
		retain: retain,
	}
}

// Reset discards all folded state and the cursor.
func (f *Fold) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Fold) resetLocked() {
	f.calls = make(map[string]*ToolCallState)
	f.order = nil
	f.log = nil
	f.cursor = nil
	f.entries = nil
}

// Apply folds items that carry no sequence numbers. The cursor is not
// touched.
func (f *Fold) Apply(items []Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		f.applyItem(it)
	}
}

// Restore replaces the fold with a snapshot previously taken by
// Snapshot.
func (f *Fold) Restore(cursor Cursor, entries []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	for _, e := range entries {
		f.applyEntry(e)
	}
	c := cursor
	f.cursor = &c
}

// ApplyFetch folds a fetch response and advances the cursor to the
// response's epoch and end seq. The fold starts over when the daemon
// reset the timeline, when the epoch changed, or when the response does
// not connect to the local cursor. Entries at or below the cursor are
// skipped, so applying the same response twice is a no-op.
func (f *Fold) ApplyFetch(resp FetchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case resp.Reset:
		f.resetLocked()
	case f.cursor != nil && f.cursor.Epoch != resp.Epoch:
		f.resetLocked()
	case f.cursor != nil && len(resp.Entries) > 0 && resp.Entries[0].Seq > f.cursor.Seq+1:
		f.resetLocked()
	}

	for _, e := range resp.Entries {
		if f.cursor != nil && e.Seq <= f.cursor.Seq {
			continue
		}
		f.applyEntry(e)
	}

	end := resp.EndSeq
	if f.cursor != nil && f.cursor.Epoch == resp.Epoch && f.cursor.Seq > end {
		end = f.cursor.Seq
	}
	f.cursor = &Cursor{Epoch: resp.Epoch, Seq: end}
}

// ApplyUpdate folds a live update entry by entry, advancing the cursor
// as it goes. It reports gap when the update cannot be applied
// contiguously: no cursor yet, a different epoch, or a missing seq. The
// caller should re-run catch-up in that case.
func (f *Fold) ApplyUpdate(u Update) (gap bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cursor == nil || f.cursor.Epoch != u.Epoch {
		return true
	}
	for _, e := range u.Entries {
		switch {
		case e.Seq <= f.cursor.Seq:
			continue
		case e.Seq == f.cursor.Seq+1:
			f.applyEntry(e)
			f.cursor.Seq = e.Seq
		default:
			return true
		}
	}
	return false
}

func (f *Fold) applyEntry(e Entry) {
	f.applyItem(e.Item)
	f.entries = append(f.entries, e)
	if n := len(f.entries); n > f.retain {
		f.entries = append([]Entry(nil), f.entries[n-f.retain:]...)
	}
}

func (f *Fold) applyItem(it Item) {
	switch it.Type {
	case ItemToolCall:
		f.applyToolCall(it)
	case ItemAssistantMessage, ItemReasoning:
		if n := len(f.log); n > 0 && f.log[n-1].Type == it.Type {
			f.log[n-1].Text += it.Text
			return
		}
		f.log = append(f.log, Item{Type: it.Type, Text: it.Text})
	default:
		f.log = append(f.log, it)
	}
}

func (f *Fold) applyToolCall(it Item) {
	if it.CallID == "" {
		f.log = append(f.log, it)
		return
	}

	st, ok := f.calls[it.CallID]
	if !ok {
		st = &ToolCallState{CallID: it.CallID, Name: it.Name, Status: it.Status, Detail: it.Detail}
		if st.Status == "" {
			st.Status = StatusRunning
		}
		if st.Status == StatusFailed {
			st.Error = it.Error
		}
		f.calls[it.CallID] = st
		f.order = append(f.order, it.CallID)
		f.log = append(f.log, Item{Type: ItemToolCall, CallID: it.CallID, Name: it.Name})
		return
	}

	if st.Status.Terminal() && (it.Status == StatusRunning || it.Status == "") {
		return
	}
	if it.Name != "" {
		st.Name = it.Name
	}
	if it.Status != "" {
		st.Status = it.Status
	}
	if it.Detail != nil {
		st.Detail = it.Detail
	}
	if st.Status == StatusFailed {
		st.Error = it.Error
	} else {
		st.Error = ""
	}
}

// ToolCalls returns every call's state in first-seen order.
func (f *Fold) ToolCalls() []ToolCallState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ToolCallState, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.calls[id])
	}
	return out
}

// ToolCall returns the state of one call.
func (f *Fold) ToolCall(callID string) (ToolCallState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.calls[callID]
	if !ok {
		return ToolCallState{}, false
	}
	return *st, true
}

// Log returns a copy of the ordered log.
func (f *Fold) Log() []Item {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Item(nil), f.log...)
}

// Cursor returns the local cursor, if any.
func (f *Fold) Cursor() (Cursor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.cursor == nil {
		return Cursor{}, false
	}
	return *f.cursor, true
}

// HasTail reports whether the fold holds state for its cursor's epoch.
func (f *Fold) HasTail() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cursor != nil && len(f.entries) > 0
}

// Snapshot returns the cursor and the retained entries.
func (f *Fold) Snapshot() (Cursor, []Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.cursor == nil {
		return Cursor{}, nil, false
	}
	return *f.cursor, append([]Entry(nil), f.entries...), true
}

// LastActivity returns the timestamp of the newest applied entry.
func (f *Fold) LastActivity() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.entries) == 0 {
		return time.Time{}
	}
	return f.entries[len(f.entries)-1].Timestamp
}

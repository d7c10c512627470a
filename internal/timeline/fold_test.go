package timeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-sync/internal/toolcall"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func entries(startSeq int64, items ...Item) []Entry {
	out := make([]Entry, len(items))
	for i, it := range items {
		seq := startSeq + int64(i)
		out[i] = Entry{Seq: seq, Timestamp: t0.Add(time.Duration(seq) * time.Second), Item: it}
	}
	return out
}

func TestFoldMergesToolCallByIdentity(t *testing.T) {
	f := NewFold(0)
	f.Apply([]Item{
		ToolCall("c1", "Bash", StatusRunning, toolcall.Shell{Command: "ls"}, ""),
		ToolCall("c1", "Bash", StatusCompleted, toolcall.Shell{Command: "ls", Output: "files"}, ""),
	})

	calls := f.ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, StatusCompleted, calls[0].Status)
	require.Equal(t, "files", calls[0].Detail.(toolcall.Shell).Output)

	log := f.Log()
	require.Len(t, log, 1)
	require.Equal(t, "c1", log[0].CallID)
}

func TestFoldStatusNeverRegresses(t *testing.T) {
	f := NewFold(0)
	f.Apply([]Item{
		ToolCall("c1", "Bash", StatusFailed, toolcall.Shell{Command: "make"}, "exit 2"),
		ToolCall("c1", "Bash", StatusRunning, toolcall.Shell{Command: "make", Output: "late"}, ""),
	})

	st, ok := f.ToolCall("c1")
	require.True(t, ok)
	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, "exit 2", st.Error)
	require.Empty(t, st.Detail.(toolcall.Shell).Output)
}

func TestFoldClearsErrorUnlessFailed(t *testing.T) {
	f := NewFold(0)
	f.Apply([]Item{
		{Type: ItemToolCall, CallID: "c1", Name: "Bash", Status: StatusRunning, Error: "stale"},
	})
	st, _ := f.ToolCall("c1")
	require.Empty(t, st.Error)

	f.Apply([]Item{ToolCall("c1", "Bash", StatusFailed, nil, "boom")})
	st, _ = f.ToolCall("c1")
	require.Equal(t, "boom", st.Error)

	f.Apply([]Item{ToolCall("c1", "Bash", StatusCanceled, nil, "")})
	st, _ = f.ToolCall("c1")
	require.Equal(t, StatusCanceled, st.Status)
	require.Empty(t, st.Error)
}

func TestFoldKeepsDetailWhenUpdateHasNone(t *testing.T) {
	f := NewFold(0)
	f.Apply([]Item{
		ToolCall("c1", "Read", StatusRunning, toolcall.Read{FilePath: "/a"}, ""),
		ToolCall("c1", "", StatusCompleted, nil, ""),
	})
	st, _ := f.ToolCall("c1")
	require.Equal(t, toolcall.Read{FilePath: "/a"}, st.Detail)
	require.Equal(t, "Read", st.Name)
}

func TestFoldConcatenatesDeltas(t *testing.T) {
	f := NewFold(0)
	f.Apply([]Item{
		UserMessage("fix it"),
		Reasoning("think"),
		Reasoning("ing"),
		AssistantMessage("On "),
		AssistantMessage("it."),
		ToolCall("c1", "Bash", StatusRunning, toolcall.Shell{Command: "ls"}, ""),
		AssistantMessage("Done"),
	})

	log := f.Log()
	require.Len(t, log, 5)
	require.Equal(t, UserMessage("fix it"), log[0])
	require.Equal(t, Reasoning("thinking"), log[1])
	require.Equal(t, AssistantMessage("On it."), log[2])
	require.Equal(t, ItemToolCall, log[3].Type)
	require.Equal(t, AssistantMessage("Done"), log[4])
}

func TestFoldLogIsACopy(t *testing.T) {
	f := NewFold(0)
	f.Apply([]Item{AssistantMessage("a")})
	log := f.Log()
	log[0].Text = "mutated"
	require.Equal(t, "a", f.Log()[0].Text)
}

func TestApplyFetchAdvancesCursor(t *testing.T) {
	f := NewFold(0)
	_, ok := f.Cursor()
	require.False(t, ok)
	require.False(t, f.HasTail())

	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 2, Entries: entries(1, UserMessage("hi"), AssistantMessage("yo"))})

	c, ok := f.Cursor()
	require.True(t, ok)
	require.Equal(t, Cursor{Epoch: "e1", Seq: 2}, c)
	require.True(t, f.HasTail())
}

func TestCatchUpIdempotence(t *testing.T) {
	f := NewFold(0)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 2, Entries: entries(1,
		ToolCall("c1", "Bash", StatusRunning, toolcall.Shell{Command: "ls"}, ""),
		AssistantMessage("working"),
	)})
	before := f.Log()

	c, _ := f.Cursor()
	req := PlanInitialFetch(&c, f.HasTail(), 200)
	require.Equal(t, DirectionAfter, req.Direction)

	empty := FetchResponse{Epoch: "e1", StartSeq: 0, EndSeq: 2}
	f.ApplyFetch(empty)
	f.ApplyFetch(empty)

	require.Equal(t, before, f.Log())
	require.Len(t, f.ToolCalls(), 1)
	c2, _ := f.Cursor()
	require.Equal(t, c, c2)
}

func TestApplyFetchSkipsAlreadyAppliedEntries(t *testing.T) {
	f := NewFold(0)
	resp := FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 2, Entries: entries(1, AssistantMessage("a"), AssistantMessage("b"))}
	f.ApplyFetch(resp)
	f.ApplyFetch(resp)
	require.Equal(t, []Item{AssistantMessage("ab")}, f.Log())
}

func TestApplyFetchResetsOnEpochChange(t *testing.T) {
	f := NewFold(0)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 1, Entries: entries(1,
		ToolCall("old", "Bash", StatusRunning, nil, ""),
	)})
	f.ApplyFetch(FetchResponse{Epoch: "e2", StartSeq: 1, EndSeq: 1, Entries: entries(1, UserMessage("fresh"))})

	_, ok := f.ToolCall("old")
	require.False(t, ok)
	require.Equal(t, []Item{UserMessage("fresh")}, f.Log())
	c, _ := f.Cursor()
	require.Equal(t, Cursor{Epoch: "e2", Seq: 1}, c)
}

func TestApplyFetchResetFlag(t *testing.T) {
	f := NewFold(0)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 3, Entries: entries(1, UserMessage("a"), UserMessage("b"), UserMessage("c"))})
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 3, EndSeq: 3, Reset: true, Entries: entries(3, UserMessage("c"))})
	require.Equal(t, []Item{UserMessage("c")}, f.Log())
}

func TestApplyFetchResetsOnDisconnectedTail(t *testing.T) {
	f := NewFold(0)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 1, Entries: entries(1, UserMessage("a"))})
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 10, EndSeq: 11, HasOlder: true, Entries: entries(10, UserMessage("j"), UserMessage("k"))})
	require.Equal(t, []Item{UserMessage("j"), UserMessage("k")}, f.Log())
}

func TestApplyFetchDoesNotMoveCursorBackwards(t *testing.T) {
	f := NewFold(0)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 1, Entries: entries(1, UserMessage("a"))})
	require.False(t, f.ApplyUpdate(Update{Epoch: "e1", Entries: entries(2, UserMessage("b"))}))

	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 2, EndSeq: 1})
	c, _ := f.Cursor()
	require.Equal(t, int64(2), c.Seq)
}

func TestApplyUpdate(t *testing.T) {
	f := NewFold(0)
	require.True(t, f.ApplyUpdate(Update{Epoch: "e1", Entries: entries(1, UserMessage("early"))}), "no cursor yet")

	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 1, Entries: entries(1, UserMessage("a"))})

	require.False(t, f.ApplyUpdate(Update{Epoch: "e1", Entries: entries(1, UserMessage("a"), UserMessage("b"))}))
	c, _ := f.Cursor()
	require.Equal(t, int64(2), c.Seq)
	require.Len(t, f.Log(), 2)

	require.True(t, f.ApplyUpdate(Update{Epoch: "e1", Entries: entries(4, UserMessage("d"))}))
	c, _ = f.Cursor()
	require.Equal(t, int64(2), c.Seq)

	require.True(t, f.ApplyUpdate(Update{Epoch: "e2", Entries: entries(1, UserMessage("x"))}))
	require.Len(t, f.Log(), 2)
}

func TestSnapshotRestore(t *testing.T) {
	f := NewFold(2)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 3, Entries: entries(1,
		UserMessage("a"),
		ToolCall("c1", "Bash", StatusRunning, toolcall.Shell{Command: "ls"}, ""),
		ToolCall("c1", "Bash", StatusCompleted, toolcall.Shell{Command: "ls", Output: "x"}, ""),
	)})

	c, snap, ok := f.Snapshot()
	require.True(t, ok)
	require.Equal(t, Cursor{Epoch: "e1", Seq: 3}, c)
	require.Len(t, snap, 2)
	require.Equal(t, int64(2), snap[0].Seq)
	require.Equal(t, t0.Add(3*time.Second), f.LastActivity())

	g := NewFold(0)
	g.Restore(c, snap)
	st, ok := g.ToolCall("c1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, st.Status)
	gc, _ := g.Cursor()
	require.Equal(t, c, gc)
	require.True(t, g.HasTail())
}

func TestFoldReset(t *testing.T) {
	f := NewFold(0)
	f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: 1, EndSeq: 1, Entries: entries(1, UserMessage("a"))})
	f.Reset()
	_, ok := f.Cursor()
	require.False(t, ok)
	require.Empty(t, f.Log())
	require.Empty(t, f.ToolCalls())
}

func TestFoldConcurrentReaders(t *testing.T) {
	f := NewFold(0)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = f.ToolCalls()
				_ = f.Log()
				_, _ = f.Cursor()
			}
		}()
	}
	for i := int64(1); i <= 100; i++ {
		f.ApplyFetch(FetchResponse{Epoch: "e1", StartSeq: i, EndSeq: i, Entries: entries(i, AssistantMessage("x"))})
	}
	wg.Wait()

	require.Len(t, f.Log(), 1)
	require.Len(t, f.Log()[0].Text, 100)
}

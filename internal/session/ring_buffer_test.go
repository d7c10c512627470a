package session

import (
	"fmt"
	"testing"
	"time"

	"agent-sync/internal/timeline"
)

func makeEntry(seq int) timeline.Entry {
	return timeline.Entry{
		Seq:       int64(seq),
		Timestamp: time.Now().UTC(),
		Item:      timeline.AssistantMessage(fmt.Sprintf("line-%d", seq)),
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	entries := rb.ReadAll()
	if len(entries) != 0 {
		t.Errorf("expected empty buffer, got %d entries", len(entries))
	}
	if rb.Oldest() != 0 {
		t.Errorf("expected oldest 0, got %d", rb.Oldest())
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 1; i <= 5; i++ {
		rb.Write(makeEntry(i))
	}

	entries := rb.ReadAll()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	for i, e := range entries {
		expected := fmt.Sprintf("line-%d", i+1)
		if e.Item.Text != expected {
			t.Errorf("entry %d: expected %s, got %s", i, expected, e.Item.Text)
		}
	}
	if rb.Oldest() != 1 {
		t.Errorf("expected oldest 1, got %d", rb.Oldest())
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 1; i <= 8; i++ {
		rb.Write(makeEntry(i))
	}

	entries := rb.ReadAll()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	// Should have seqs 4..8 (oldest dropped).
	for i, e := range entries {
		if e.Seq != int64(i+4) {
			t.Errorf("entry %d: expected seq %d, got %d", i, i+4, e.Seq)
		}
	}
	if rb.Oldest() != 4 {
		t.Errorf("expected oldest 4, got %d", rb.Oldest())
	}
	if rb.Len() != 5 {
		t.Errorf("expected len 5, got %d", rb.Len())
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 1; i <= 3; i++ {
		rb.Write(makeEntry(i))
	}

	entries := rb.ReadAll()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if rb.Oldest() != 1 {
		t.Errorf("expected oldest 1, got %d", rb.Oldest())
	}
}

func TestRingBuffer_After(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 1; i <= 6; i++ {
		rb.Write(makeEntry(i))
	}

	got := rb.After(4)
	if len(got) != 2 || got[0].Seq != 5 || got[1].Seq != 6 {
		t.Errorf("unexpected entries after 4: %+v", got)
	}
	if got := rb.After(6); len(got) != 0 {
		t.Errorf("expected nothing after head, got %d", len(got))
	}
	if got := rb.After(0); len(got) != 4 {
		t.Errorf("expected whole window, got %d", len(got))
	}
}

func TestRingBuffer_Reset(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Write(makeEntry(1))
	rb.Write(makeEntry(2))
	rb.Write(makeEntry(3))
	rb.Reset()

	if rb.Len() != 0 || len(rb.ReadAll()) != 0 {
		t.Error("expected empty buffer after reset")
	}
	rb.Write(makeEntry(1))
	if rb.Oldest() != 1 {
		t.Errorf("expected oldest 1, got %d", rb.Oldest())
	}
}

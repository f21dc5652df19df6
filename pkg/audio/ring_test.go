package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestRingBufferSequencesIncrease(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 1; i <= 25; i++ {
		seq := rb.Write([]byte{byte(i)})
		if seq != uint64(i) {
			t.Fatalf("write %d returned seq %d", i, seq)
		}
	}
	if got := rb.LastReceived(); got != 25 {
		t.Errorf("LastReceived = %d, want 25", got)
	}
}

func TestRingBufferGap(t *testing.T) {
	rb := NewRingBuffer(100)
	for i := 0; i < 10; i++ {
		rb.Write([]byte{0x01})
	}
	if got := rb.GapMS(); got != 200 {
		t.Errorf("gap after 10 unsent writes = %d ms, want 200", got)
	}
	rb.MarkSent(10)
	if got := rb.GapMS(); got != 0 {
		t.Errorf("gap after marking all sent = %d ms, want 0", got)
	}
}

func TestRingBufferMarkSentNeverRegresses(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write([]byte{0x01})
	}
	rb.MarkSent(4)
	rb.MarkSent(2)
	if got := rb.LastSent(); got != 4 {
		t.Errorf("LastSent = %d, want 4 after regressive mark", got)
	}
}

func TestRingBufferUnsentOrderedAndBounded(t *testing.T) {
	rb := NewRingBuffer(100)
	for i := 1; i <= 6; i++ {
		rb.Write([]byte{byte(i)})
	}
	rb.MarkSent(2)

	unsent := rb.Unsent()
	if len(unsent) != 4 {
		t.Fatalf("unsent count = %d, want 4", len(unsent))
	}
	for i, frame := range unsent {
		if frame[0] != byte(i+3) {
			t.Errorf("unsent[%d] = %d, want %d", i, frame[0], i+3)
		}
	}

	if got := rb.UnsentBytes(); !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Errorf("UnsentBytes = %v, want [3 4 5 6]", got)
	}
}

func TestRingBufferOverwriteDropsOldest(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.Write([]byte{byte(i)})
	}
	// Slots hold frames 3..5; nothing marked sent, so only stored frames
	// appear in the unsent set.
	unsent := rb.Unsent()
	if len(unsent) != 3 {
		t.Fatalf("unsent count = %d, want 3", len(unsent))
	}
	if unsent[0][0] != 3 || unsent[2][0] != 5 {
		t.Errorf("unsent = %v, want frames 3..5 in order", unsent)
	}
}

func TestRingBufferCatchUp(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 7; i++ {
		rb.Write([]byte{0x01})
	}
	rb.CatchUp()
	if got := rb.GapMS(); got != 0 {
		t.Errorf("gap after catch-up = %d, want 0", got)
	}
	if got := len(rb.Unsent()); got != 0 {
		t.Errorf("unsent after catch-up = %d frames, want 0", got)
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{0x01})
	rb.MarkSent(1)
	rb.Clear()
	if rb.LastReceived() != 0 || rb.LastSent() != 0 {
		t.Error("counters not reset after Clear")
	}
	if seq := rb.Write([]byte{0x02}); seq != 1 {
		t.Errorf("first write after Clear returned seq %d, want 1", seq)
	}
}

func TestRingBufferRecent(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{0x01})
	rb.Write([]byte{0x02})
	got := rb.Recent(time.Second)
	if len(got) != 2 {
		t.Fatalf("recent count = %d, want 2", len(got))
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("recent frames out of order: %v", got)
	}
	if len(rb.Recent(0)) != 0 {
		t.Error("zero-duration recent window returned frames")
	}
}

package audio

import (
	"sync"
	"time"
)

// slotDurationMS is the nominal duration covered by one ring slot. Telephone
// media arrives in 20 ms frames, so sequence gaps convert to milliseconds by
// multiplying with this constant.
const slotDurationMS = 20

// DefaultRingCapacity holds 30 seconds of 20 ms frames.
const DefaultRingCapacity = 1500

type ringSlot struct {
	data []byte
	seq  uint64
	at   time.Time
}

// RingBuffer is a fixed-capacity circular log of audio frames with
// monotonically increasing sequence numbers. It tracks which frames have
// already been delivered upstream so that, after a session failure, the
// undelivered span can be replayed through the batch STT catch-up path.
//
// Once full, new writes silently overwrite the oldest slot. All operations
// are total and safe for concurrent use by one writer (media ingress) and
// one reader (sender or recovery).
type RingBuffer struct {
	mu       sync.Mutex
	slots    []ringSlot
	capacity int
	writePos int

	lastReceived uint64 // sequence of the most recent write
	lastSent     uint64 // highest sequence acknowledged as delivered
	totalWritten uint64
}

// NewRingBuffer creates a ring buffer with the given slot capacity.
// Non-positive capacities fall back to [DefaultRingCapacity].
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingBuffer{
		slots:    make([]ringSlot, capacity),
		capacity: capacity,
	}
}

// Write stores a copy of data in the next slot and returns its sequence
// number. Sequences start at 1 and never repeat within a buffer.
func (r *RingBuffer) Write(data []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalWritten++
	seq := r.totalWritten

	buf := make([]byte, len(data))
	copy(buf, data)
	r.slots[r.writePos] = ringSlot{data: buf, seq: seq, at: time.Now()}
	r.writePos = (r.writePos + 1) % r.capacity
	r.lastReceived = seq
	return seq
}

// MarkSent advances the delivered watermark to seq. It never regresses:
// marking an older sequence than the current watermark is a no-op.
func (r *RingBuffer) MarkSent(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq > r.lastSent {
		r.lastSent = seq
	}
}

// Unsent returns copies of all stored frames with sequence in
// (lastSent, lastReceived], in sequence order. Frames already overwritten
// are gone and simply absent from the result.
func (r *RingBuffer) Unsent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	type pending struct {
		seq  uint64
		data []byte
	}
	var found []pending
	for _, s := range r.slots {
		if s.seq > r.lastSent && s.seq <= r.lastReceived {
			found = append(found, pending{seq: s.seq, data: s.data})
		}
	}
	// Slots are scanned in storage order; sort into sequence order.
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j-1].seq > found[j].seq; j-- {
			found[j-1], found[j] = found[j], found[j-1]
		}
	}
	out := make([][]byte, len(found))
	for i, p := range found {
		out[i] = append([]byte(nil), p.data...)
	}
	return out
}

// UnsentBytes concatenates [RingBuffer.Unsent] into a single buffer.
func (r *RingBuffer) UnsentBytes() []byte {
	var out []byte
	for _, frame := range r.Unsent() {
		out = append(out, frame...)
	}
	return out
}

// Recent returns copies of frames written within the last d, oldest first.
func (r *RingBuffer) Recent(d time.Duration) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-d)
	type pending struct {
		seq  uint64
		data []byte
	}
	var found []pending
	for _, s := range r.slots {
		if s.seq > 0 && s.at.After(cutoff) {
			found = append(found, pending{seq: s.seq, data: s.data})
		}
	}
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j-1].seq > found[j].seq; j-- {
			found[j-1], found[j] = found[j], found[j-1]
		}
	}
	out := make([][]byte, len(found))
	for i, p := range found {
		out[i] = append([]byte(nil), p.data...)
	}
	return out
}

// GapMS returns the undelivered span in milliseconds, assuming 20 ms frames.
func (r *RingBuffer) GapMS() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(r.lastReceived-r.lastSent) * slotDurationMS
}

// LastReceived returns the sequence of the most recent write.
func (r *RingBuffer) LastReceived() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReceived
}

// LastSent returns the delivered watermark.
func (r *RingBuffer) LastSent() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSent
}

// CatchUp advances the delivered watermark to the most recent write,
// discarding the pending span. Called after a successful batch-STT catch-up
// or when a gap is abandoned as unrecoverable.
func (r *RingBuffer) CatchUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSent = r.lastReceived
}

// Clear resets all slots and counters.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = ringSlot{}
	}
	r.writePos = 0
	r.lastReceived = 0
	r.lastSent = 0
	r.totalWritten = 0
}

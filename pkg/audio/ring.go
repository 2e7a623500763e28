package audio

import (
	"context"
	"sync"
)

// FrameRing is a bounded single-producer single-consumer frame queue with
// drop-oldest overflow. The capture callback pushes, the analysis loop pops;
// when the consumer falls behind, the oldest frames are overwritten so the
// ring always holds the newest capacity frames in arrival order.
//
// Push is O(1), never blocks, and does not allocate once every slot has been
// written at the steady frame size, which makes it safe to call from a
// real-time capture callback. Pop and PopWait return caller-owned copies.
type FrameRing struct {
	mu      sync.Mutex
	slots   []Frame
	head    int // next slot to pop
	size    int // occupied slots
	dropped uint64
	closed  bool

	notify chan struct{} // capacity 1; signals the waiting consumer
}

// NewFrameRing creates a ring holding up to capacity frames.
// A capacity below 1 is treated as 1.
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{
		slots:  make([]Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push stores a copy of the frame, overwriting the oldest entry when the ring
// is full. It reports false only after Close. The frame's sample slice is
// copied into the slot, so the caller may reuse its buffer immediately.
func (r *FrameRing) Push(f Frame) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.size == len(r.slots) {
		// Drop the oldest frame to make room for the newest.
		r.head = (r.head + 1) % len(r.slots)
		r.size--
		r.dropped++
	}
	tail := (r.head + r.size) % len(r.slots)
	slot := &r.slots[tail]
	slot.Samples = append(slot.Samples[:0], f.Samples...)
	slot.SampleRate = f.SampleRate
	slot.Seq = f.Seq
	slot.Timestamp = f.Timestamp
	r.size++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the oldest frame without blocking.
func (r *FrameRing) Pop() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return Frame{}, false
	}
	out := r.slots[r.head].Clone()
	r.head = (r.head + 1) % len(r.slots)
	r.size--
	return out, true
}

// PopWait removes and returns the oldest frame, blocking until one is
// available, the ring is closed and drained, or ctx is done.
func (r *FrameRing) PopWait(ctx context.Context) (Frame, bool) {
	for {
		if f, ok := r.Pop(); ok {
			return f, true
		}
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return Frame{}, false
		}
		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-r.notify:
		}
	}
}

// Len returns the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity in frames.
func (r *FrameRing) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Dropped returns the total number of frames overwritten since creation.
func (r *FrameRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush discards all buffered frames and returns how many were discarded.
// The drop counter only counts overflow, so it is untouched here.
func (r *FrameRing) Flush() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	r.head = 0
	r.size = 0
	return n
}

// Close marks the ring closed. Subsequent pushes are refused; buffered frames
// remain available to Pop, and a blocked PopWait wakes up and returns false
// once the ring is drained. Close is idempotent.
func (r *FrameRing) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Package pipeline moves audio frames from a section's forwarder to its
// receivers. Each receiver gets its own bounded [FrameBuffer]; a full buffer
// evicts its oldest frame to make room, so one slow receiver only ever loses
// its own frames and never stalls the producer. Frames carry a per-section
// monotonic sequence number stamped at ingest: consumers can observe gaps
// after overflow, but never reordering.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the per-receiver buffer size in frames. At one frame
// per 20ms this holds roughly two seconds of audio.
const DefaultCapacity = 100

// Frame is one opus packet travelling through a section pipeline.
type Frame struct {
	// Seq is the per-section sequence number, starting at 1.
	Seq uint64

	// Payload is the opus packet.
	Payload []byte

	// Timestamp is when the frame entered the pipeline.
	Timestamp time.Time
}

// FrameBuffer is a bounded frame queue for a single receiver. It expects one
// producer and one consumer; [FrameBuffer.Push] never blocks and evicts the
// oldest frame when full.
type FrameBuffer struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool

	dropped atomic.Uint64
}

// NewFrameBuffer creates a buffer holding at most capacity frames.
// A capacity of zero or less falls back to [DefaultCapacity].
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &FrameBuffer{ch: make(chan Frame, capacity)}
}

// Push appends f to the buffer. When the buffer is full the oldest frame is
// evicted first, so the newest frame is always accepted. Returns false when
// an eviction happened or the buffer is closed.
func (b *FrameBuffer) Push(f Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	select {
	case b.ch <- f:
		return true
	default:
	}

	// Full: evict the oldest frame, then take its slot.
	select {
	case <-b.ch:
	default:
	}
	select {
	case b.ch <- f:
	default:
	}
	b.dropped.Add(1)
	return false
}

// Pop removes and returns the oldest buffered frame, blocking until a frame
// arrives or the buffer is closed. The second return is false once the
// buffer is closed and drained.
func (b *FrameBuffer) Pop() (Frame, bool) {
	f, ok := <-b.ch
	return f, ok
}

// TryPop is a non-blocking [FrameBuffer.Pop]. The second return is false
// when the buffer is empty or closed.
func (b *FrameBuffer) TryPop() (Frame, bool) {
	select {
	case f, ok := <-b.ch:
		return f, ok
	default:
		return Frame{}, false
	}
}

// Len returns the number of frames currently buffered.
func (b *FrameBuffer) Len() int {
	return len(b.ch)
}

// Dropped returns the number of frames evicted so far.
func (b *FrameBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Close marks the buffer closed. Frames already buffered remain poppable;
// further pushes are refused. Safe to call multiple times.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

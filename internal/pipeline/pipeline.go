package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
)

// Pipeline fans a section's forwarder audio out to per-receiver buffers.
// There is exactly one producer (the forwarder's relay connection); taps can
// be added and removed while ingest is running.
type Pipeline struct {
	sectionID string
	capacity  int
	metrics   *observe.Metrics

	seq atomic.Uint64

	mu     sync.RWMutex
	taps   map[string]*FrameBuffer
	closed bool
}

// New creates a pipeline for the given section. capacity sizes each tap's
// [FrameBuffer]; zero or less selects [DefaultCapacity]. metrics may be nil,
// in which case [observe.DefaultMetrics] is used.
func New(sectionID string, capacity int, metrics *observe.Metrics) *Pipeline {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipeline{
		sectionID: sectionID,
		capacity:  capacity,
		metrics:   metrics,
		taps:      make(map[string]*FrameBuffer),
	}
}

// SectionID returns the section this pipeline belongs to.
func (p *Pipeline) SectionID() string {
	return p.sectionID
}

// Ingest stamps payload with the next sequence number and offers the frame
// to every tap. Ingest never blocks on a slow receiver. Returns the sequence
// assigned, or 0 when the pipeline is closed.
func (p *Pipeline) Ingest(payload []byte) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0
	}

	f := Frame{
		Seq:       p.seq.Add(1),
		Payload:   payload,
		Timestamp: time.Now(),
	}

	ctx := context.Background()
	for _, buf := range p.taps {
		if !buf.Push(f) {
			p.metrics.RecordFrameDropped(ctx, p.sectionID)
		}
	}
	p.metrics.RecordFrameRelayed(ctx, p.sectionID)

	return f.Seq
}

// AddTap registers a receiver endpoint and returns its buffer. Adding an
// id that already has a tap returns the existing buffer.
func (p *Pipeline) AddTap(id string) *FrameBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf, ok := p.taps[id]; ok {
		return buf
	}
	buf := NewFrameBuffer(p.capacity)
	if p.closed {
		buf.Close()
		return buf
	}
	p.taps[id] = buf
	return buf
}

// RemoveTap unregisters a receiver endpoint and closes its buffer. Unknown
// ids are a no-op.
func (p *Pipeline) RemoveTap(id string) {
	p.mu.Lock()
	buf, ok := p.taps[id]
	delete(p.taps, id)
	p.mu.Unlock()

	if ok {
		buf.Close()
	}
}

// TapCount returns the number of registered taps.
func (p *Pipeline) TapCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.taps)
}

// Close closes every tap buffer and refuses further ingest. Safe to call
// multiple times.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	taps := p.taps
	p.taps = make(map[string]*FrameBuffer)
	p.mu.Unlock()

	for _, buf := range taps {
		buf.Close()
	}
}

package resilience

import (
	"sync"
)

// EventBuffer buffers security events in memory while the broker is
// unavailable. Oldest events are dropped once capacity is reached.
type EventBuffer struct {
	mu      sync.Mutex
	events  [][]byte
	maxSize int
	dropped int64
	onDrop  func(count int64)
}

// NewEventBuffer creates a buffer with the given capacity
func NewEventBuffer(maxSize int) *EventBuffer {
	return &EventBuffer{
		events:  make([][]byte, 0, maxSize),
		maxSize: maxSize,
	}
}

// OnDrop sets a callback invoked when events are dropped
func (b *EventBuffer) OnDrop(fn func(count int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Add buffers an event, dropping the oldest if full
func (b *EventBuffer) Add(event []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.dropped++
		if b.onDrop != nil {
			b.onDrop(b.dropped)
		}
	}
	b.events = append(b.events, event)
}

// Drain returns all buffered events and clears the buffer
func (b *EventBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events
	b.events = make([][]byte, 0, b.maxSize)
	return events
}

// Len returns the number of buffered events
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns the total number of dropped events
func (b *EventBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

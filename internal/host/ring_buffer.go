package host

import "sync"

// RingBuffer is a fixed-capacity circular byte buffer holding the most
// recent output of a session. A sticky terminated session keeps its tail
// here so history stays reachable after the process exits.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, overwriting the oldest bytes once the buffer is full.
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(p) >= rb.capacity {
		copy(rb.buf, p[len(p)-rb.capacity:])
		rb.pos = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.pos:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
	}
	next := rb.pos + len(p)
	if next >= rb.capacity {
		rb.full = true
	}
	rb.pos = next % rb.capacity
}

// Bytes returns the buffered output in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]byte, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]byte, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

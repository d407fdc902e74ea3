// Package buffer provides the scrollback buffer kept for each shell session.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// output up to its capacity. Older bytes are overwritten in place.
//
// Shell sessions keep their terminal output here so a UI that attaches
// late, or reattaches after a dropped fast lane, can replay it.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	start int // index of the oldest byte
	size  int
}

// NewRingBuffer creates a buffer of the given capacity (minimum 1).
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes once the buffer is full.
// It implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if n >= capacity {
		copy(rb.buf, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	written := copy(rb.buf[end:], p)
	copy(rb.buf, p[written:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first, or nil when
// empty.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[n:], rb.buf[:rb.size-n])
	return out
}

// Snapshot is ReadAll with any partial UTF-8 sequence at the front dropped,
// so the result can be replayed to a terminal as text.
func (rb *RingBuffer) Snapshot() []byte {
	data := rb.ReadAll()
	for i := 0; i < len(data) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(data[i]) {
			return data[i:]
		}
	}
	return data
}

// Clear removes all data from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.start = 0
	rb.size = 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

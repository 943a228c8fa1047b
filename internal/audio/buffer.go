package audio

import (
	"sync"
)

// RingBuffer is a thread-safe fixed-capacity ring of PCM16 samples. The
// segment recorder fills it while uploads run in the background.
type RingBuffer struct {
	buffer []int16
	read   int
	count  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to capacity samples
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		buffer: make([]int16, capacity),
	}
}

// Write appends samples and returns how many fit. Samples beyond the free
// space are not written.
func (rb *RingBuffer) Write(samples []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	n := size - rb.count
	if n > len(samples) {
		n = len(samples)
	}

	write := (rb.read + rb.count) % size
	first := copy(rb.buffer[write:], samples[:n])
	copy(rb.buffer, samples[first:n])
	rb.count += n

	return n
}

// Read moves up to len(dst) samples into dst and returns the count
func (rb *RingBuffer) Read(dst []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(dst)
}

func (rb *RingBuffer) readLocked(dst []int16) int {
	n := rb.count
	if n > len(dst) {
		n = len(dst)
	}

	end := rb.read + n
	if end <= len(rb.buffer) {
		copy(dst, rb.buffer[rb.read:end])
	} else {
		first := copy(dst, rb.buffer[rb.read:])
		copy(dst[first:n], rb.buffer[:n-first])
	}
	rb.read = (rb.read + n) % len(rb.buffer)
	rb.count -= n

	return n
}

// Drain returns every buffered sample and leaves the buffer empty
func (rb *RingBuffer) Drain() []int16 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]int16, rb.count)
	rb.readLocked(out)
	return out
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Space returns the number of samples that can still be written
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.buffer) - rb.count
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}

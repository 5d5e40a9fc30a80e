package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity (at least 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Last(-1)
}

// Last returns up to n of the newest elements, oldest first. n < 0 means all.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n < 0 || n > r.count {
		n = r.count
	}
	skip := r.count - n
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+skip+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

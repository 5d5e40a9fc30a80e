// Package dispatch provides the single-consumer work queue that drives the
// runtime. Producers on any goroutine Post closures; one loop runs them in
// order, one at a time.
package dispatch

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of closures. Post never blocks, so a closure
// running on the loop may post more work without deadlocking.
type Queue struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Post enqueues fn. It reports false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of pending closures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains the queue until ctx is done or the queue is closed and empty.
// Only one Run may be active at a time.
func (q *Queue) Run(ctx context.Context) error {
	for {
		for {
			fn, ok := q.pop()
			if !ok {
				break
			}
			fn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		q.mu.Lock()
		done := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}

// Drain runs every pending closure on the calling goroutine. Tests use it
// in place of Run to step the loop deterministically.
func (q *Queue) Drain() int {
	n := 0
	for {
		fn, ok := q.pop()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Close stops accepting work. Run returns after the backlog is drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

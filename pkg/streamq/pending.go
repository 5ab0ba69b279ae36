package streamq

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by blocking polls once the queue has been closed.
var ErrClosed = errors.New("streamq: queue closed")

// notifier is a broadcast signal: every waiter holding the current channel is
// woken when it is closed and replaced. Callers must hold the owning mutex.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier { return notifier{ch: make(chan struct{})} }

func (n *notifier) wait() <-chan struct{} { return n.ch }

func (n *notifier) broadcast() {
	close(n.ch)
	n.ch = make(chan struct{})
}

// Pending is the thread-safe blocking adapter around [StreamQueue]. Any
// number of producers may call the mutators concurrently; exactly one
// consumer goroutine may call [Pending.Poll] at a time.
//
// After [Pending.Close] every mutator is a no-op returning false, queued
// state is dropped and [Pending.Poll] returns [ErrClosed] immediately.
// Callers that need a graceful drain must end or erase every outstanding id
// before closing.
type Pending[T any] struct {
	mu     sync.Mutex
	q      *StreamQueue[T]
	closed bool
	wake   notifier
}

// NewPending returns an open, empty [Pending].
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{q: New[T](), wake: newNotifier()}
}

// Start begins tracking id. See [StreamQueue.Start].
func (p *Pending[T]) Start(id int32) bool {
	return p.mutate(func(q *StreamQueue[T]) bool { return q.Start(id) })
}

// Stream appends item to the stream of id. See [StreamQueue.Stream].
func (p *Pending[T]) Stream(id int32, item T) bool {
	return p.mutate(func(q *StreamQueue[T]) bool { return q.Stream(id, item) })
}

// End completes the stream of id. See [StreamQueue.End].
func (p *Pending[T]) End(id int32) bool {
	return p.mutate(func(q *StreamQueue[T]) bool { return q.End(id) })
}

// Erase deletes or fails the stream of id. See [StreamQueue.Erase].
func (p *Pending[T]) Erase(id int32, code int32) bool {
	return p.mutate(func(q *StreamQueue[T]) bool { return q.Erase(id, code) })
}

// Clear deletes every tracked stream. See [StreamQueue.Clear].
func (p *Pending[T]) Clear() (minID, maxID int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, 0
	}
	minID, maxID = p.q.Clear()
	p.wake.broadcast()
	return minID, maxID
}

func (p *Pending[T]) mutate(fn func(q *StreamQueue[T]) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if !fn(p.q) {
		return false
	}
	p.wake.broadcast()
	return true
}

// Poll blocks until the queue yields a non-[Empty] event, the queue is
// closed ([ErrClosed]) or ctx is done (ctx.Err()).
func (p *Pending[T]) Poll(ctx context.Context) (Event[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Event[T]{}, ErrClosed
		}
		if ev := p.q.Pop(); ev.Type != Empty {
			p.mu.Unlock()
			return ev, nil
		}
		wake := p.wake.wait()
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Event[T]{}, ctx.Err()
		}
	}
}

// TryPoll is the non-blocking form of [Pending.Poll]. It returns an [Empty]
// event when nothing is ready or the queue is closed.
func (p *Pending[T]) TryPoll() Event[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Event[T]{Type: Empty}
	}
	return p.q.Pop()
}

// Available reports whether a Poll would return without blocking.
func (p *Pending[T]) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed || p.q.Available()
}

// Len returns the number of tracked streams.
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Len()
}

// Tracked reports whether id is currently tracked.
func (p *Pending[T]) Tracked(id int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Tracked(id)
}

// Close wakes every blocked consumer and drops all queued state. Calling
// Close more than once is safe.
func (p *Pending[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.q = New[T]()
	p.wake.broadcast()
}

// Closed reports whether [Pending.Close] has been called since the last
// [Pending.Reset].
func (p *Pending[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Reset reopens a closed queue with empty state.
func (p *Pending[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
	p.q = New[T]()
	p.wake.broadcast()
}

// Queue is a thread-safe unbounded FIFO with a blocking single-consumer
// [Queue.Poll]. It serves requests that have no streaming payload.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   notifier
}

// NewQueue returns an open, empty [Queue].
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{wake: newNotifier()}
}

// Push appends item. It returns false when the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.wake.broadcast()
	return true
}

// Poll blocks until an item is available, the queue is closed ([ErrClosed])
// or ctx is done.
func (q *Queue[T]) Poll(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		if len(q.items) > 0 {
			item := q.shift()
			q.mu.Unlock()
			return item, nil
		}
		wake := q.wake.wait()
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryPoll returns the oldest item without blocking.
func (q *Queue[T]) TryPoll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.shift(), true
}

func (q *Queue[T]) shift() T {
	var zero T
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item
}

// Remove deletes every queued item for which match returns true and reports
// how many were removed.
func (q *Queue[T]) Remove(match func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked consumer and drops queued items. Calling Close
// more than once is safe.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.wake.broadcast()
}

// Reset reopens a closed queue.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
	q.items = nil
	q.wake.broadcast()
}

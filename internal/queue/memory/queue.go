// Package memory provides the in-process hand-off queue between stream consumers and the archival worker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// Queue is an unbounded FIFO that is safe for many producers and one consumer.
// Enqueue never blocks; Dequeue blocks until an item arrives, the context ends,
// or the queue is closed and drained.
type Queue struct {
	mu     sync.Mutex
	items  []archiver.Item
	head   int
	ready  chan struct{}
	done   chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue appends an item; it fails only once the queue is closed or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, item archiver.Item) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return archiver.ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (archiver.Item, error) {
	for {
		if item, ok := q.pop(); ok {
			return item, nil
		}
		if q.isClosed() {
			return archiver.Item{}, archiver.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return archiver.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops accepting items; already queued items can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) pop() (archiver.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return archiver.Item{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = archiver.Item{}
	q.head++
	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append([]archiver.Item(nil), q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

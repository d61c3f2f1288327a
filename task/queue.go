package task

import (
	"container/heap"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opsforge/taskd/errors"
)

// queueItem orders the priority queue: lower priority runs earlier, and seq
// preserves submission order within the same priority band.
type queueItem struct {
	priority int
	seq      uint64
	taskID   uuid.UUID
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// pqueue is a bounded, concurrency-safe priority queue. Enqueue never
// blocks: overflow is an admission failure, not backpressure. Dequeue
// blocks until an entry arrives or the context is cancelled.
//
// The token channel carries one token per queued entry, so an empty queue
// suspends the dequeuing worker without spinning. The mutex guarantees the
// token count never exceeds the heap length, which keeps the buffered send
// in TryEnqueue non-blocking.
type pqueue struct {
	mu     sync.Mutex
	items  itemHeap
	max    int
	tokens chan struct{}
}

func newPQueue(maxSize int) *pqueue {
	return &pqueue{
		items:  make(itemHeap, 0, maxSize),
		max:    maxSize,
		tokens: make(chan struct{}, maxSize),
	}
}

// TryEnqueue inserts an entry or fails with ErrQueueFull at capacity.
func (q *pqueue) TryEnqueue(priority int, seq uint64, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return errors.WithDetailf(errors.ErrQueueFull, "max queue size: %d", q.max)
	}
	heap.Push(&q.items, queueItem{priority: priority, seq: seq, taskID: taskID})
	q.tokens <- struct{}{}
	return nil
}

// Dequeue removes the highest-priority entry, suspending while the queue is
// empty. Returns the context error on cancellation.
func (q *pqueue) Dequeue(ctx context.Context) (queueItem, error) {
	select {
	case <-ctx.Done():
		return queueItem{}, ctx.Err()
	case <-q.tokens:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return heap.Pop(&q.items).(queueItem), nil
}

// Len returns the number of pending entries.
func (q *pqueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

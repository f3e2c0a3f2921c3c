package delivery

import "sync"

// Queue is an unbounded many-producer/single-consumer FIFO. Producers
// never block on Push; Pop blocks while the queue is empty. Unbounded by
// design: delivery requests are small and the worker normally keeps up,
// so backpressure here would only move loss earlier in the pipeline.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Request
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a request. Never blocks.
func (q *Queue) Push(r Request) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop removes and returns the oldest request, blocking while empty.
func (q *Queue) Pop() Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

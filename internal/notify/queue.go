package notify

import (
	"container/heap"
	"context"
	"sync"

	"github.com/serversentinel/sentinel/internal/models"
)

type queued struct {
	job models.NotificationJob
	seq uint64
}

type jobHeap []queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// jobQueue is an unbounded priority queue. Push never blocks; higher
// priority pops first and equal priorities pop in arrival order.
type jobQueue struct {
	mu     sync.Mutex
	items  jobHeap
	seq    uint64
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push adds job and reports false if the queue is closed.
func (q *jobQueue) Push(job models.NotificationJob) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, queued{job: job, seq: q.seq})
	q.mu.Unlock()
	q.wake()
	return true
}

// Pop blocks until a job is available, the queue closes or ctx ends.
func (q *jobQueue) Pop(ctx context.Context) (models.NotificationJob, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return models.NotificationJob{}, false
		}
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queued)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return item.job, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			return models.NotificationJob{}, false
		}
	}
}

func (q *jobQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain removes and returns every queued job in pop order.
func (q *jobQueue) Drain() []models.NotificationJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.NotificationJob, 0, q.items.Len())
	for q.items.Len() > 0 {
		out = append(out, heap.Pop(&q.items).(queued).job)
	}
	return out
}

func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

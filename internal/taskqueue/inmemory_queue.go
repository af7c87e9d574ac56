package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory. Tasks are served in
// enqueue order among those whose NotBefore has passed, so delayed retries
// wait here the same way they do on the durable queue. Safe for concurrent
// use.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	capacity     int
	pollInterval time.Duration
}

// NewInMemoryQueue creates a queue holding at most capacity tasks.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine;
// capacity <= 0 means 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity:     capacity,
		pollInterval: 5 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	for {
		q.mu.Lock()
		if len(q.tasks) < q.capacity {
			q.tasks = append(q.tasks, t)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		now := time.Now()
		for i := range q.tasks {
			if q.tasks[i].NotBefore.After(now) {
				continue
			}
			task := q.tasks[i]
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			q.mu.Unlock()
			return &task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

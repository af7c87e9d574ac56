package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeDeliverEvent TaskType = "deliver-event"
)

// Task represents a unit of work for the worker: one inbound event to
// deliver through the engine.
type Task struct {
	ID   string
	Type TaskType

	// Event is the inbound event to deliver.
	Event api.InboundEvent

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts how many times this task has already been tried.
	// Used by the worker's retry policy.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

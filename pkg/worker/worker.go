package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/correl/internal/taskqueue"
	"github.com/petrijr/correl/pkg/api"
)

// RetryPolicy controls how a failed delivery is retried.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial delivery)
//	MaxAttempts = 3 => initial delivery + up to 2 retries
//
// A retry is scheduled by re-enqueueing the event with a NotBefore in the
// future, so delayed retries work on durable queues too.
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay each attempt; <= 1 keeps it
	// constant.
	BackoffMultiplier float64

	// MaxBackoff caps the delay; 0 means no cap.
	MaxBackoff time.Duration
}

// BackoffFor returns the delay before retry number n (1-based).
func (p RetryPolicy) BackoffFor(n int) time.Duration {
	d := p.InitialBackoff
	if p.BackoffMultiplier > 1 {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * p.BackoffMultiplier)
			if p.MaxBackoff > 0 && d > p.MaxBackoff {
				return p.MaxBackoff
			}
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Worker pulls deliver-event tasks from a Queue and runs them through an
// Engine, re-enqueueing failed deliveries per its RetryPolicy.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	retry  RetryPolicy
}

// New creates a new Worker with no retries.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithRetry(engine, queue, RetryPolicy{MaxAttempts: 1})
}

// NewWithRetry creates a Worker with the given retry policy.
func NewWithRetry(engine api.Engine, queue taskqueue.Queue, retry RetryPolicy) *Worker {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		retry:  retry,
	}
}

// EnqueueDeliver enqueues an event for asynchronous delivery.
// It does NOT dispatch the event itself; that is done by ProcessOne.
func (w *Worker) EnqueueDeliver(ctx context.Context, ev api.InboundEvent) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeDeliverEvent,
		Event:      ev,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueDeliverAt enqueues an event to be delivered no earlier than 'at'.
func (w *Worker) EnqueueDeliverAt(ctx context.Context, ev api.InboundEvent, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeDeliverEvent,
		Event:      ev,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: no task processed (dequeue failed,
//     typically context cancellation)
//   - processed == true: a task was processed; err reports a delivery
//     failure that exhausted the retry policy
//
// A delivery with remaining attempts is re-enqueued with backoff and
// reported as processed with a nil error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeDeliverEvent:
		return true, w.deliver(ctx, task)
	default:
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

func (w *Worker) deliver(ctx context.Context, task *taskqueue.Task) error {
	results, err := w.engine.Deliver(ctx, task.Event)
	if err == nil {
		err = firstFailure(results)
	}
	if err == nil {
		return nil
	}
	if api.IsValidationError(err) {
		// A malformed event never becomes valid; retrying is noise.
		return err
	}

	attempt := task.Attempts + 1
	if attempt >= w.retry.MaxAttempts {
		return fmt.Errorf("delivery of %q failed after %d attempts: %w", task.Event.EventType, attempt, err)
	}

	retryTask := *task
	retryTask.Attempts = attempt
	retryTask.NotBefore = time.Now().Add(w.retry.BackoffFor(attempt))
	if enqErr := w.queue.Enqueue(ctx, retryTask); enqErr != nil {
		return fmt.Errorf("delivery of %q failed and could not be re-enqueued: %w", task.Event.EventType, enqErr)
	}
	return nil
}

// firstFailure surfaces the first FAILED dispatch from a result set.
func firstFailure(results []api.DispatchResult) error {
	for _, r := range results {
		if r.Outcome == api.OutcomeFailed && r.Err != nil {
			return r.Err
		}
	}
	return nil
}

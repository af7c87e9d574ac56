package correl

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petrijr/correl/internal/taskqueue"
	"github.com/petrijr/correl/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker to provide a simple local setup for development and tests.
//
// Typical usage:
//
//	runner := correl.NewLocalRunner(exec)
//	_, _ = runner.Engine.Deploy(ctx, def)
//
//	// Synchronous delivery (no queue/worker involved):
//	results, err := runner.Engine.Deliver(ctx, ev)
//
//	// Asynchronous delivery:
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.DeliverAsync(ctx, ev)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory correlation engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker delivers queued events through Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with no retries.
func NewLocalRunner(exec ExecutionEngine) *LocalRunner {
	return NewLocalRunnerWithRetry(exec, Retry(1).Policy())
}

// NewLocalRunnerWithRetry constructs a LocalRunner whose worker retries
// failed deliveries per the given policy.
func NewLocalRunnerWithRetry(exec ExecutionEngine, retry RetryPolicy) *LocalRunner {
	eng := NewInMemoryEngine(exec)
	q := taskqueue.NewInMemoryQueue(1024)
	w := worker.NewWithRetry(eng, q, retry)

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("correl: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					// For local runner we treat cancellation as a clean shutdown signal.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// For other errors, log and keep going so a single bad event
					// doesn't kill the worker loop.
					log.Printf("correl: local runner worker error: %v", err)
					continue
				}
				if !processed {
					continue
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// DeliverAsync enqueues an event for delivery by the worker pool.
func (r *LocalRunner) DeliverAsync(ctx context.Context, ev InboundEvent) error {
	return r.Worker.EnqueueDeliver(ctx, ev)
}

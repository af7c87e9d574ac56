package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/correl/internal/engine"
	"github.com/petrijr/correl/internal/taskqueue"
	"github.com/petrijr/correl/pkg/api"
)

// flakyExec fails the first failures StartInstance calls, then succeeds.
type flakyExec struct {
	mu       sync.Mutex
	failures int
	started  int
}

func (f *flakyExec) StartInstance(ctx context.Context, req api.StartInstanceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New("execution engine unavailable")
	}
	f.started++
	return "inst-1", nil
}

func (f *flakyExec) TriggerElement(ctx context.Context, instanceID, elementID string, payload map[string]any) error {
	return nil
}

func (f *flakyExec) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func newTestWorker(t *testing.T, exec *flakyExec, retry RetryPolicy) (*Worker, api.Engine, *taskqueue.InMemoryQueue) {
	t.Helper()
	eng := engine.NewInMemory(exec, nil)
	q := taskqueue.NewInMemoryQueue(16)
	w := NewWithRetry(eng, q, retry)

	_, err := eng.Deploy(context.Background(), api.Definition{
		Kind: api.KindProcess,
		Key:  "invoice",
		StartEvents: []api.StartEventDeclaration{
			{EventType: "order.created", CorrelationParameterNames: []string{"orderId"}},
		},
	})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	return w, eng, q
}

func TestWorker_ProcessOneDeliversEvent(t *testing.T) {
	exec := &flakyExec{}
	w, _, q := newTestWorker(t, exec, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	err := w.EnqueueDeliver(ctx, api.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1"},
	})
	if err != nil {
		t.Fatalf("EnqueueDeliver failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatalf("expected a task to be processed")
	}
	if exec.startedCount() != 1 {
		t.Fatalf("expected 1 started instance, got %d", exec.startedCount())
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be drained, Len %d", q.Len())
	}
}

func TestWorker_RetriesUntilSuccess(t *testing.T) {
	exec := &flakyExec{failures: 2}
	w, _, q := newTestWorker(t, exec, RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	if err := w.EnqueueDeliver(ctx, api.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1"},
	}); err != nil {
		t.Fatalf("EnqueueDeliver failed: %v", err)
	}

	// Two failing attempts re-enqueue; the third succeeds.
	for i := 0; i < 3; i++ {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("ProcessOne %d failed: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("ProcessOne %d processed nothing", i+1)
		}
	}
	if exec.startedCount() != 1 {
		t.Fatalf("expected 1 started instance, got %d", exec.startedCount())
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be drained, Len %d", q.Len())
	}
}

func TestWorker_ExhaustsRetryPolicy(t *testing.T) {
	exec := &flakyExec{failures: 10}
	w, _, q := newTestWorker(t, exec, RetryPolicy{MaxAttempts: 2})
	ctx := context.Background()

	if err := w.EnqueueDeliver(ctx, api.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1"},
	}); err != nil {
		t.Fatalf("EnqueueDeliver failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("first attempt should re-enqueue silently: processed=%v err=%v", processed, err)
	}

	processed, err = w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("second attempt should still count as processed")
	}
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("an exhausted task must not be re-enqueued, Len %d", q.Len())
	}
}

func TestWorker_ValidationErrorsAreNotRetried(t *testing.T) {
	exec := &flakyExec{}
	w, _, q := newTestWorker(t, exec, RetryPolicy{MaxAttempts: 5})
	ctx := context.Background()

	// An event without a type is rejected by matching and can never
	// become valid, so no retry is scheduled.
	if err := w.EnqueueDeliver(ctx, api.InboundEvent{}); err != nil {
		t.Fatalf("EnqueueDeliver failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("expected the task to be processed")
	}
	if !api.IsValidationError(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("validation failures must not be re-enqueued, Len %d", q.Len())
	}
}

func TestWorker_ProcessOneHonorsContext(t *testing.T) {
	exec := &flakyExec{}
	w, _, _ := newTestWorker(t, exec, RetryPolicy{MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processed, err := w.ProcessOne(ctx)
	if processed {
		t.Fatalf("nothing should be processed on a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryPolicy_BackoffFor(t *testing.T) {
	constant := RetryPolicy{MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond}
	if got := constant.BackoffFor(1); got != 50*time.Millisecond {
		t.Fatalf("constant backoff attempt 1: %v", got)
	}
	if got := constant.BackoffFor(3); got != 50*time.Millisecond {
		t.Fatalf("constant backoff attempt 3: %v", got)
	}

	exp := RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        300 * time.Millisecond,
	}
	if got := exp.BackoffFor(1); got != 100*time.Millisecond {
		t.Fatalf("exponential backoff attempt 1: %v", got)
	}
	if got := exp.BackoffFor(2); got != 200*time.Millisecond {
		t.Fatalf("exponential backoff attempt 2: %v", got)
	}
	if got := exp.BackoffFor(3); got != 300*time.Millisecond {
		t.Fatalf("exponential backoff attempt 3 should hit the cap: %v", got)
	}
	if got := exp.BackoffFor(10); got != 300*time.Millisecond {
		t.Fatalf("exponential backoff stays capped: %v", got)
	}
}

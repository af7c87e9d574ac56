package correl_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/correl"
)

func deployInvoiceHandling(t *testing.T, eng correl.Engine) {
	t.Helper()
	_, err := correl.Deploy(context.Background(), eng, correl.Definition{
		Kind: correl.KindProcess,
		Key:  "invoice-handling",
		StartEvents: []correl.StartEventDeclaration{
			{EventType: "order.created", CorrelationParameterNames: []string{"orderId"}},
		},
	})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
}

func waitForStarted(t *testing.T, exec *recordingExec, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exec.startedCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d started instances, have %d", want, exec.startedCount())
}

func TestLocalRunner_SynchronousDelivery(t *testing.T) {
	exec := &recordingExec{}
	runner := correl.NewLocalRunner(exec)
	deployInvoiceHandling(t, runner.Engine)

	results, err := runner.Engine.Deliver(context.Background(), correl.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1"},
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != correl.OutcomeTriggered {
		t.Fatalf("expected a triggered result, got %+v", results)
	}
}

func TestLocalRunner_AsynchronousDelivery(t *testing.T) {
	exec := &recordingExec{}
	runner := correl.NewLocalRunner(exec)
	deployInvoiceHandling(t, runner.Engine)
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	for _, id := range []string{"A-1", "A-2", "A-3"} {
		if err := runner.DeliverAsync(ctx, correl.InboundEvent{
			EventType:       "order.created",
			ParameterValues: map[string]any{"orderId": id},
		}); err != nil {
			t.Fatalf("DeliverAsync %s failed: %v", id, err)
		}
	}

	waitForStarted(t, exec, 3)
}

func TestLocalRunner_StartStopLifecycle(t *testing.T) {
	exec := &recordingExec{}
	runner := correl.NewLocalRunner(exec)
	deployInvoiceHandling(t, runner.Engine)
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected an error on double start")
	}
	runner.Stop()
	// Stop is idempotent.
	runner.Stop()

	// The runner restarts cleanly.
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := runner.DeliverAsync(ctx, correl.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1"},
	}); err != nil {
		t.Fatalf("DeliverAsync failed: %v", err)
	}
	waitForStarted(t, exec, 1)
	runner.Stop()
}

func TestLocalRunner_RetriesFailedDeliveries(t *testing.T) {
	exec := &recordingExec{startErr: errors.New("transient outage")}
	runner := correl.NewLocalRunnerWithRetry(exec,
		correl.Retry(3).WithConstantBackoff(time.Millisecond).Policy())
	deployInvoiceHandling(t, runner.Engine)
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	if err := runner.DeliverAsync(ctx, correl.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1"},
	}); err != nil {
		t.Fatalf("DeliverAsync failed: %v", err)
	}

	// The first attempt fails, the retry succeeds.
	waitForStarted(t, exec, 1)
}

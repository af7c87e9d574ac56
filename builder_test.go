package correl_test

import (
	"context"
	"sync"
	"testing"

	"github.com/petrijr/correl"
)

// recordingExec is a minimal ExecutionEngine for facade tests.
type recordingExec struct {
	mu       sync.Mutex
	started  []correl.StartInstanceRequest
	startErr error
	nextID   int
}

func (f *recordingExec) StartInstance(ctx context.Context, req correl.StartInstanceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		err := f.startErr
		f.startErr = nil
		return "", err
	}
	f.nextID++
	f.started = append(f.started, req)
	return "inst", nil
}

func (f *recordingExec) TriggerElement(ctx context.Context, instanceID, elementID string, payload map[string]any) error {
	return nil
}

func (f *recordingExec) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func TestSubscriptionBuilder_RegisterResolvesKey(t *testing.T) {
	eng := correl.NewInMemoryEngine(&recordingExec{})
	ctx := context.Background()

	def, err := correl.Deploy(ctx, eng, correl.Definition{
		Kind: correl.KindProcess,
		Key:  "invoice-handling",
	})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	sub, err := correl.NewSubscription("payment.received").
		ForProcessKey("invoice-handling").
		Parameter("orderId", "A-1001").
		Register(ctx, eng)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if sub.ScopeDefinitionID != def.ID {
		t.Fatalf("key was not resolved to the latest version: %+v", sub)
	}
	if sub.CorrelationKey != "orderId=A-1001" {
		t.Fatalf("correlation key mismatch: %q", sub.CorrelationKey)
	}
	if !sub.AutoUpdate {
		t.Fatalf("key-targeted subscriptions default to auto-update")
	}
}

func TestSubscriptionBuilder_LastCallWins(t *testing.T) {
	eng := correl.NewInMemoryEngine(&recordingExec{})
	ctx := context.Background()

	def, err := correl.Deploy(ctx, eng, correl.Definition{
		Kind: correl.KindProcess,
		Key:  "invoice-handling",
	})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	// A later ForProcessKey overrides an earlier ForDefinition target, and
	// a later AutoUpdate overrides an earlier Pinned.
	sub, err := correl.NewSubscription("payment.received").
		ForDefinition(correl.ScopeProcessDefinition, "stale-id").
		ForProcessKey("invoice-handling").
		Pinned().
		AutoUpdate().
		Register(ctx, eng)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if sub.ScopeDefinitionID != def.ID {
		t.Fatalf("expected the key target to win, got %+v", sub)
	}
	if !sub.AutoUpdate {
		t.Fatalf("expected AutoUpdate to win over Pinned")
	}

	// Parameter values merge, later calls overriding earlier ones.
	sub, err = correl.NewSubscription("payment.received").
		ForProcessKey("invoice-handling").
		Parameter("orderId", "stale").
		Parameters(map[string]any{"orderId": "A-1", "amount": 2}).
		Register(ctx, eng)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if sub.CorrelationKey != "amount=2&orderId=A-1" {
		t.Fatalf("correlation key mismatch: %q", sub.CorrelationKey)
	}
}

func TestSubscriptionBuilder_AutoUpdateFollowsRedeploy(t *testing.T) {
	exec := &recordingExec{}
	eng := correl.NewInMemoryEngine(exec)
	ctx := context.Background()

	if _, err := correl.Deploy(ctx, eng, correl.Definition{Kind: correl.KindProcess, Key: "invoice-handling"}); err != nil {
		t.Fatalf("Deploy v1 failed: %v", err)
	}
	sub, err := correl.NewSubscription("payment.received").
		ForProcessKey("invoice-handling").
		Parameter("orderId", "A-1").
		Register(ctx, eng)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	v2, err := correl.Deploy(ctx, eng, correl.Definition{Kind: correl.KindProcess, Key: "invoice-handling"})
	if err != nil {
		t.Fatalf("Deploy v2 failed: %v", err)
	}

	got, err := eng.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("auto-update subscription lost on redeploy: %v", err)
	}
	if got.ScopeDefinitionID != v2.ID {
		t.Fatalf("expected the subscription to follow the latest version, got %+v", got)
	}
}

func TestSubscriptionBuilder_PinnedStaysOnVersion(t *testing.T) {
	exec := &recordingExec{}
	eng := correl.NewInMemoryEngine(exec)
	ctx := context.Background()

	v1, err := correl.Deploy(ctx, eng, correl.Definition{Kind: correl.KindProcess, Key: "invoice-handling"})
	if err != nil {
		t.Fatalf("Deploy v1 failed: %v", err)
	}
	sub, err := correl.NewSubscription("payment.received").
		ForProcessKey("invoice-handling").
		Pinned().
		Register(ctx, eng)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := correl.Deploy(ctx, eng, correl.Definition{Kind: correl.KindProcess, Key: "invoice-handling"}); err != nil {
		t.Fatalf("Deploy v2 failed: %v", err)
	}

	got, err := eng.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.ScopeDefinitionID != v1.ID {
		t.Fatalf("pinned subscription moved on redeploy: %+v", got)
	}
}

func TestSubscriptionBuilder_EndToEndDelivery(t *testing.T) {
	exec := &recordingExec{}
	eng := correl.NewInMemoryEngine(exec)
	ctx := context.Background()

	if _, err := correl.Deploy(ctx, eng, correl.Definition{Kind: correl.KindProcess, Key: "invoice-handling"}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if _, err := correl.NewSubscription("payment.received").
		ForProcessKey("invoice-handling").
		Parameter("orderId", "A-1").
		UniqueStart().
		Register(ctx, eng); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	results, err := correl.Deliver(ctx, eng, correl.InboundEvent{
		EventType:       "payment.received",
		ParameterValues: map[string]any{"orderId": "A-1"},
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != correl.OutcomeTriggered {
		t.Fatalf("expected a triggered result, got %+v", results)
	}
	if exec.startedCount() != 1 {
		t.Fatalf("expected 1 started instance, got %d", exec.startedCount())
	}
	if !exec.started[0].Unique {
		t.Fatalf("unique-start flag not propagated: %+v", exec.started[0])
	}

	// A non-matching correlation starts nothing.
	results, err = correl.Deliver(ctx, eng, correl.InboundEvent{
		EventType:       "payment.received",
		ParameterValues: map[string]any{"orderId": "B-2"},
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
}

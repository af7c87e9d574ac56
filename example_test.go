package correl_test

import (
	"context"
	"fmt"

	"github.com/petrijr/correl"
)

type exampleExec struct{}

func (exampleExec) StartInstance(ctx context.Context, req correl.StartInstanceRequest) (string, error) {
	return "instance-1", nil
}

func (exampleExec) TriggerElement(ctx context.Context, instanceID, elementID string, payload map[string]any) error {
	return nil
}

// Example deploys a process definition that starts on order.created events
// and delivers one matching event through an in-memory engine.
func Example() {
	ctx := context.Background()
	eng := correl.NewInMemoryEngine(exampleExec{})

	_, err := correl.Deploy(ctx, eng, correl.Definition{
		Kind: correl.KindProcess,
		Key:  "invoice-handling",
		StartEvents: []correl.StartEventDeclaration{
			{EventType: "order.created", CorrelationParameterNames: []string{"orderId"}},
		},
	})
	if err != nil {
		fmt.Println("deploy:", err)
		return
	}

	results, err := correl.Deliver(ctx, eng, correl.InboundEvent{
		EventType:       "order.created",
		ParameterValues: map[string]any{"orderId": "A-1001"},
	})
	if err != nil {
		fmt.Println("deliver:", err)
		return
	}
	for _, r := range results {
		fmt.Println(r.Outcome, r.StartedInstanceID)
	}

	// Output:
	// TRIGGERED instance-1
}

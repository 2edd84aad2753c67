package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
)

func testFlow() *domain.FlowDef {
	return &domain.FlowDef{
		Name:      "greet",
		EntryStep: "S",
		Steps: map[string]domain.StepDef{
			"S": {Name: "S", Queue: "steps", WorkerID: "echo"},
		},
	}
}

func TestNewWiresAMemoryEngine(t *testing.T) {
	e, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Bus == nil || e.Store == nil || e.Queue == nil || e.Sched == nil ||
		e.Awaits == nil || e.Runtime == nil || e.Trigger == nil ||
		e.Flows == nil || e.Orch == nil || e.Stalls == nil ||
		e.Steps == nil || e.Bridge == nil {
		t.Fatal("New returned an Engine with an unwired component")
	}

	e.Steps.Register("echo", noopExecutor{})
	if err := e.RegisterFlow(context.Background(), testFlow()); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	if _, ok := e.Flows.GetFlow("greet"); !ok {
		t.Fatal("RegisterFlow did not add the flow to the registry")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	if _, err := New(context.Background(), Config{StoreBackend: "bogus"}); err == nil {
		t.Fatal("expected an error for an unknown store backend")
	}
	if _, err := New(context.Background(), Config{QueueBackend: "bogus"}); err == nil {
		t.Fatal("expected an error for an unknown queue backend")
	}
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

package workerbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/adapters/memory"
	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/stepkit"
)

func waitForEvent(t *testing.T, ch chan domain.Event) domain.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestBridgePublishesStepLifecycleOnSuccess(t *testing.T) {
	q := memory.NewQueue(nil)
	b := bus.New(nil)
	steps := stepkit.NewRegistry()
	steps.Register("echo", stepkit.ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"greeting": "hi", "echo": input["in"]}, nil
	}))

	started := make(chan domain.Event, 1)
	completed := make(chan domain.Event, 1)
	emitted := make(chan domain.Event, 1)
	b.OnType(domain.EventStepStarted, func(ctx context.Context, e domain.Event) { started <- e })
	b.OnType(domain.EventStepCompleted, func(ctx context.Context, e domain.Event) { completed <- e })
	b.OnType(domain.EventEmit, func(ctx context.Context, e domain.Event) { emitted <- e })

	br := New(Config{Queue: q, Bus: b, Steps: steps})
	def := &domain.FlowDef{Name: "f1", EntryStep: "S", Steps: map[string]domain.StepDef{
		"S": {Name: "S", Queue: "steps", WorkerID: "echo", Emits: []string{"greeting"}},
	}}
	if err := br.RegisterFlow(context.Background(), def); err != nil {
		t.Fatalf("register flow: %v", err)
	}

	runID := "f1-1-abc"
	jobID := runID + "__S"
	if _, err := q.Enqueue(context.Background(), "steps", ports.JobSpec{Name: "S", Data: map[string]any{"in": 1}, Opts: ports.EnqueueOptions{JobID: jobID}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s := waitForEvent(t, started)
	if s.RunID != runID || s.FlowName != "f1" || s.StepName != "S" {
		t.Fatalf("unexpected step.started: %+v", s)
	}

	em := waitForEvent(t, emitted)
	if em.DataString("name") != "greeting" {
		t.Fatalf("unexpected emit: %+v", em)
	}

	c := waitForEvent(t, completed)
	if c.RunID != runID || c.StepName != "S" {
		t.Fatalf("unexpected step.completed: %+v", c)
	}
}

func TestBridgePublishesStepFailedAfterAttemptsExhausted(t *testing.T) {
	q := memory.NewQueue(nil)
	b := bus.New(nil)
	steps := stepkit.NewRegistry()
	steps.Register("boom", stepkit.ExecutorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("kaboom")
	}))

	failed := make(chan domain.Event, 1)
	b.OnType(domain.EventStepFailed, func(ctx context.Context, e domain.Event) { failed <- e })

	br := New(Config{Queue: q, Bus: b, Steps: steps})
	def := &domain.FlowDef{Name: "f2", EntryStep: "S", Steps: map[string]domain.StepDef{
		"S": {Name: "S", Queue: "steps", WorkerID: "boom"},
	}}
	if err := br.RegisterFlow(context.Background(), def); err != nil {
		t.Fatalf("register flow: %v", err)
	}

	runID := "f2-1-abc"
	jobID := runID + "__S"
	if _, err := q.Enqueue(context.Background(), "steps", ports.JobSpec{Name: "S", Opts: ports.EnqueueOptions{JobID: jobID, Attempts: 1}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f := waitForEvent(t, failed)
	if f.RunID != runID || f.DataString("failedReason") == "" {
		t.Fatalf("unexpected step.failed: %+v", f)
	}
}

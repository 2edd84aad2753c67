package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/adapters/memory"
	"github.com/shaiso/flowengine/internal/await"
	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/scheduler"
	"github.com/shaiso/flowengine/internal/stalldetector"
)

// harness wires a full in-memory stack: store, queue, bus, scheduler,
// await subsystem and orchestrator, the way a host process would.
type harness struct {
	store    *memory.Store
	queue    *memory.Queue
	bus      *bus.Bus
	sched    *scheduler.Scheduler
	reg      *Registry
	orch     *Orchestrator
	flowName string
}

func newHarness(t *testing.T, flow *domain.FlowDef) *harness {
	t.Helper()
	store := memory.NewStore()
	queue := memory.NewQueue(nil)
	b := bus.New(nil)
	sched := scheduler.New(scheduler.Config{Store: store, InstanceID: "test"})
	awaits := await.New(b, sched, nil)
	awaits.Wire()

	reg := NewRegistry()
	if err := reg.Register(flow); err != nil {
		t.Fatalf("register flow: %v", err)
	}

	orch := New(Config{Bus: b, Store: store, Queue: queue, Sched: sched, Awaits: awaits, Flows: reg})
	orch.Wire()
	sched.RegisterRebuilder(awaits.Rebuilder())
	sched.RegisterRebuilder(orch.Rebuilder())

	ctx := context.Background()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() { sched.Stop(ctx); queue.Close(ctx) })

	return &harness{store: store, queue: queue, bus: b, sched: sched, reg: reg, orch: orch, flowName: flow.Name}
}

// runIDFromJobID recovers the run a step's job belongs to from its
// deterministic jobId, the same way workerbridge.Bridge does: strip
// the "__resumed" suffix (if any), then the "__stepName" suffix. A
// step's own job.Data carries only its subscribed-token payloads, not
// identifying fields, so this is the only reliable source.
func runIDFromJobID(jobID, stepName string) string {
	id := strings.TrimSuffix(jobID, "__resumed")
	return strings.TrimSuffix(id, "__"+stepName)
}

// runWorker registers a fake worker for queueName/jobName that
// publishes step.started, runs do, then publishes step.completed (with
// an optional emit beforehand) or step.failed on error.
func (h *harness) runWorker(queueName, stepName string, do func(job ports.Job) (emits map[string]any, err error)) {
	h.queue.RegisterWorker(queueName, stepName, func(ctx context.Context, job ports.Job) (map[string]any, error) {
		runID := runIDFromJobID(job.ID, stepName)
		flowName := h.flowName
		h.bus.Publish(ctx, domain.Event{Type: domain.EventStepStarted, RunID: runID, FlowName: flowName, StepName: stepName})

		emits, err := do(job)
		if err != nil {
			h.bus.Publish(ctx, domain.Event{
				Type: domain.EventStepFailed, RunID: runID, FlowName: flowName, StepName: stepName,
				Data: map[string]any{"error": err.Error(), "attemptsMade": 1},
			})
			return nil, err
		}
		for name, payload := range emits {
			h.bus.Publish(ctx, domain.Event{
				Type: domain.EventEmit, RunID: runID, FlowName: flowName, StepName: stepName,
				Data: map[string]any{"name": name, "payload": payload},
			})
		}
		h.bus.Publish(ctx, domain.Event{Type: domain.EventStepCompleted, RunID: runID, FlowName: flowName, StepName: stepName})
		return nil, nil
	}, ports.WorkerOptions{Autorun: true})
}

func (h *harness) startFlow(ctx context.Context, flow *domain.FlowDef, runID string) {
	entry, _ := flow.Step(flow.EntryStep)
	jobID := fmt.Sprintf("%s__%s", runID, entry.Name)
	h.queue.Enqueue(ctx, entry.Queue, ports.JobSpec{
		Name: entry.Name,
		Data: map[string]any{"flowId": runID, "flowName": flow.Name},
		Opts: ports.EnqueueOptions{JobID: jobID},
	})
	h.bus.Publish(ctx, domain.Event{Type: domain.EventFlowStart, RunID: runID, FlowName: flow.Name})
}

func (h *harness) awaitRunStatus(t *testing.T, flowName, runID string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok, err := h.store.Index().Get(context.Background(), domain.FlowRunIndexKey(flowName), runID)
		if err == nil && ok {
			run, err := domain.RunFromMetadata(entry.Metadata)
			if err == nil && run.Status == want {
				return run
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q in time", runID, want)
	return nil
}

func twoStepFlow() *domain.FlowDef {
	return &domain.FlowDef{
		Name:      "demo",
		EntryStep: "step1",
		Steps: map[string]domain.StepDef{
			"step1": {Name: "step1", Queue: "q", Emits: []string{"step1.done"}},
			"step2": {Name: "step2", Queue: "q", Subscribes: []string{"step1.done"}},
		},
	}
}

func TestOrchestratorCompletesLinearFlow(t *testing.T) {
	flow := twoStepFlow()
	h := newHarness(t, flow)

	h.runWorker("q", "step1", func(job ports.Job) (map[string]any, error) {
		return map[string]any{"step1.done": true}, nil
	})
	h.runWorker("q", "step2", func(job ports.Job) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()
	runID := "demo-run-1"
	h.startFlow(ctx, flow, runID)

	run := h.awaitRunStatus(t, "demo", runID, domain.RunCompleted)
	if run.CompletedSteps != 2 {
		t.Fatalf("expected 2 completed steps, got %d", run.CompletedSteps)
	}
}

func TestOrchestratorBlockingFailurePropagates(t *testing.T) {
	flow := twoStepFlow()
	h := newHarness(t, flow)

	h.runWorker("q", "step1", func(job ports.Job) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	})
	h.runWorker("q", "step2", func(job ports.Job) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()
	runID := "demo-run-2"
	h.startFlow(ctx, flow, runID)

	run := h.awaitRunStatus(t, "demo", runID, domain.RunFailed)
	if run.LastError == "" {
		t.Fatalf("expected a lastError explaining the blocking failure")
	}
}

func TestOrchestratorCancelIsTerminalAndIdempotent(t *testing.T) {
	flow := twoStepFlow()
	h := newHarness(t, flow)

	// step1 never completes on its own; the run is canceled mid-flight.
	h.queue.RegisterWorker("q", "step1", func(ctx context.Context, job ports.Job) (map[string]any, error) {
		runID, _ := job.Data["flowId"].(string)
		h.bus.Publish(ctx, domain.Event{Type: domain.EventStepStarted, RunID: runID, FlowName: "demo", StepName: "step1"})
		<-ctx.Done()
		return nil, ctx.Err()
	}, ports.WorkerOptions{Autorun: true})

	ctx := context.Background()
	runID := "demo-run-3"
	h.startFlow(ctx, flow, runID)

	// Give onFlowStart a moment to create the index entry before canceling.
	h.awaitRunStatus(t, "demo", runID, domain.RunRunning)

	h.bus.Publish(ctx, domain.Event{Type: domain.EventFlowCancel, RunID: runID, FlowName: "demo"})
	run := h.awaitRunStatus(t, "demo", runID, domain.RunCanceled)

	// A second cancel must not disturb the already-terminal run.
	h.bus.Publish(ctx, domain.Event{Type: domain.EventFlowCancel, RunID: runID, FlowName: "demo"})
	time.Sleep(20 * time.Millisecond)
	entry, ok, err := h.store.Index().Get(ctx, domain.FlowRunIndexKey("demo"), runID)
	if err != nil || !ok {
		t.Fatalf("expected run entry to still exist: ok=%v err=%v", ok, err)
	}
	again, err := domain.RunFromMetadata(entry.Metadata)
	if err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if again.Version != run.Version {
		t.Fatalf("expected version unchanged by redundant cancel, got %d then %d", run.Version, again.Version)
	}
}

// TestOrchestratorParallelBranchNonBlockingFailure covers an entry
// step fanning out to two independent leaves: one succeeds, the other
// fails permanently. Neither depends on the other, so the surviving
// sibling's success is enough for the run to complete; the failure is
// still recorded on the stream rather than silently dropped.
func TestOrchestratorParallelBranchNonBlockingFailure(t *testing.T) {
	flow := &domain.FlowDef{
		Name:      "f2",
		EntryStep: "E",
		Steps: map[string]domain.StepDef{
			"E": {Name: "E", Queue: "q", Emits: []string{"x"}},
			"A": {Name: "A", Queue: "q", Subscribes: []string{"x"}},
			"B": {Name: "B", Queue: "q", Subscribes: []string{"x"}},
		},
	}
	h := newHarness(t, flow)

	var mu sync.Mutex
	var failedB domain.Event
	h.bus.OnType(domain.EventStepFailed, func(ctx context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.StepName == "B" {
			failedB = e
		}
	})

	h.runWorker("q", "E", func(job ports.Job) (map[string]any, error) {
		return map[string]any{"x": true}, nil
	})
	h.runWorker("q", "A", func(job ports.Job) (map[string]any, error) {
		return nil, nil
	})
	h.runWorker("q", "B", func(job ports.Job) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	})

	ctx := context.Background()
	runID := "f2-run-1"
	h.startFlow(ctx, flow, runID)

	run := h.awaitRunStatus(t, "f2", runID, domain.RunCompleted)
	if run.CompletedSteps != 2 {
		t.Fatalf("expected 2 completed steps (E and A), got %d", run.CompletedSteps)
	}

	mu.Lock()
	defer mu.Unlock()
	if failedB.StepName != "B" {
		t.Fatalf("expected a recorded step.failed for B, got %+v", failedB)
	}
}

// TestOrchestratorAwaitBeforeResumesStepOnce covers an awaitBefore
// gate: the step is armed instead of enqueued as soon as its
// subscription is satisfied, and only enqueued (once, via the
// "__resumed" jobId) after the await resolves.
func TestOrchestratorAwaitBeforeResumesStepOnce(t *testing.T) {
	flow := &domain.FlowDef{
		Name:      "f4",
		EntryStep: "E",
		Steps: map[string]domain.StepDef{
			"E": {Name: "E", Queue: "q", Emits: []string{"y"}},
			"S": {
				Name: "S", Queue: "q", Subscribes: []string{"y"},
				AwaitBefore: &domain.AwaitConfig{Type: domain.AwaitTime, Delay: 30 * time.Millisecond},
			},
		},
	}
	h := newHarness(t, flow)

	h.runWorker("q", "E", func(job ports.Job) (map[string]any, error) {
		return map[string]any{"y": true}, nil
	})

	var mu sync.Mutex
	var resumedCount int
	var gotJobID, gotPosition string
	var gotResolved bool
	h.runWorker("q", "S", func(job ports.Job) (map[string]any, error) {
		mu.Lock()
		resumedCount++
		gotJobID = job.ID
		gotResolved, _ = job.Data["awaitResolved"].(bool)
		gotPosition, _ = job.Data["awaitPosition"].(string)
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	runID := "f4-run-1"
	h.startFlow(ctx, flow, runID)

	run := h.awaitRunStatus(t, "f4", runID, domain.RunCompleted)
	if run.CompletedSteps != 2 {
		t.Fatalf("expected 2 completed steps (E and S), got %d", run.CompletedSteps)
	}

	mu.Lock()
	defer mu.Unlock()
	if resumedCount != 1 {
		t.Fatalf("expected S to be enqueued exactly once, got %d", resumedCount)
	}
	if wantJobID := runID + "__S__resumed"; gotJobID != wantJobID {
		t.Fatalf("expected jobId %q, got %q", wantJobID, gotJobID)
	}
	if !gotResolved {
		t.Fatal("expected the resumed job's payload to carry awaitResolved=true")
	}
	if gotPosition != string(domain.AwaitBefore) {
		t.Fatalf("expected awaitPosition %q, got %q", domain.AwaitBefore, gotPosition)
	}
}

// TestOrchestratorWebhookAwaitTimeoutFailsStep covers an awaitAfter
// gate armed once the step body completes: with no webhook callback
// ever arriving, the scheduler's timeout job fires, and a
// timeoutAction of "fail" turns that into a step.failed that fails the
// whole run.
func TestOrchestratorWebhookAwaitTimeoutFailsStep(t *testing.T) {
	flow := &domain.FlowDef{
		Name:      "f5",
		EntryStep: "S",
		Steps: map[string]domain.StepDef{
			"S": {
				Name: "S", Queue: "q",
				AwaitAfter: &domain.AwaitConfig{Type: domain.AwaitWebhook, Timeout: 30 * time.Millisecond, TimeoutAction: domain.TimeoutActionFail},
			},
		},
	}
	h := newHarness(t, flow)

	var mu sync.Mutex
	var failedS domain.Event
	h.bus.OnType(domain.EventStepFailed, func(ctx context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.StepName == "S" {
			failedS = e
		}
	})

	h.runWorker("q", "S", func(job ports.Job) (map[string]any, error) {
		return nil, nil
	})

	ctx := context.Background()
	runID := "f5-run-1"
	h.startFlow(ctx, flow, runID)

	h.awaitRunStatus(t, "f5", runID, domain.RunFailed)

	mu.Lock()
	defer mu.Unlock()
	if failedS.StepName != "S" {
		t.Fatalf("expected a recorded step.failed for S, got %+v", failedS)
	}
	if got := failedS.DataString("error"); !strings.Contains(got, "Await timeout") {
		t.Fatalf("expected the failure message to mention the await timeout, got %q", got)
	}
}

// TestOrchestratorRecoversRunningRunsOnRestart covers the stall
// detector's startup sweep against runs the orchestrator itself
// created: a run left "running" with no outstanding await is
// reclassified stalled, one with an overdue awaitAfter is stalled too,
// and one with an awaitAfter still inside its deadline is kept
// awaiting.
func TestOrchestratorRecoversRunningRunsOnRestart(t *testing.T) {
	flow := &domain.FlowDef{
		Name:      "f7",
		EntryStep: "S",
		Steps: map[string]domain.StepDef{
			"S": {Name: "S", Queue: "q"},
		},
	}
	h := newHarness(t, flow)

	seedRun := func(runID string, status domain.RunStatus, awaiting map[string]*domain.AwaitState) {
		run := domain.NewRun(runID, flow.Name, time.Now().UnixMilli())
		run.Status = status
		if awaiting != nil {
			run.AwaitingSteps = awaiting
		}
		meta, err := run.ToMetadata()
		if err != nil {
			t.Fatalf("marshal seeded run: %v", err)
		}
		if err := h.store.Index().Add(context.Background(), domain.FlowRunIndexKey(flow.Name), runID, float64(run.StartedAt), meta); err != nil {
			t.Fatalf("seed run %s: %v", runID, err)
		}
	}

	seedRun("f7-lost", domain.RunRunning, nil)
	seedRun("f7-overdue", domain.RunRunning, map[string]*domain.AwaitState{
		domain.AwaitKey("S", domain.AwaitAfter): {Status: domain.AwaitStatusAwaiting, TimeoutAt: time.Now().Add(-time.Minute).UnixMilli()},
	})
	seedRun("f7-active", domain.RunAwaiting, map[string]*domain.AwaitState{
		domain.AwaitKey("S", domain.AwaitAfter): {Status: domain.AwaitStatusAwaiting, TimeoutAt: time.Now().Add(time.Hour).UnixMilli()},
	})

	det := stalldetector.New(h.store, h.bus, h.reg, nil)
	det.Recover(context.Background())

	h.awaitRunStatus(t, "f7", "f7-lost", domain.RunStalled)
	h.awaitRunStatus(t, "f7", "f7-overdue", domain.RunStalled)
	h.awaitRunStatus(t, "f7", "f7-active", domain.RunAwaiting)
}

package stalldetector

import (
	"context"
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/adapters/memory"
	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
)

type staticFlowNamer []string

func (n staticFlowNamer) Names() []string { return n }

func seedRun(t *testing.T, store *memory.Store, flowName, runID string, status domain.RunStatus, awaiting map[string]*domain.AwaitState) {
	t.Helper()
	run := domain.NewRun(runID, flowName, time.Now().UnixMilli())
	run.Status = status
	if awaiting != nil {
		run.AwaitingSteps = awaiting
	}
	meta, err := run.ToMetadata()
	if err != nil {
		t.Fatalf("marshal run: %v", err)
	}
	if err := store.Index().Add(context.Background(), domain.FlowRunIndexKey(flowName), runID, float64(run.StartedAt), meta); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestHandleDeadlineMarksRunningRunStalled(t *testing.T) {
	store := memory.NewStore()
	b := bus.New(nil)
	det := New(store, b, staticFlowNamer{"demo"}, nil)
	seedRun(t, store, "demo", "r1", domain.RunRunning, nil)

	var fired domain.Event
	b.OnType(domain.EventFlowStalled, func(ctx context.Context, e domain.Event) { fired = e })

	det.HandleDeadline(context.Background(), "r1", "demo")

	entry, ok, err := store.Index().Get(context.Background(), domain.FlowRunIndexKey("demo"), "r1")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	run, err := domain.RunFromMetadata(entry.Metadata)
	if err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != domain.RunStalled {
		t.Fatalf("expected stalled, got %s", run.Status)
	}
	if fired.RunID != "r1" {
		t.Fatalf("expected flow.stalled to be published, got %+v", fired)
	}
}

func TestHandleDeadlineIgnoresAlreadyTerminalRun(t *testing.T) {
	store := memory.NewStore()
	b := bus.New(nil)
	det := New(store, b, staticFlowNamer{"demo"}, nil)
	seedRun(t, store, "demo", "r2", domain.RunCompleted, nil)

	det.HandleDeadline(context.Background(), "r2", "demo")

	entry, _, _ := store.Index().Get(context.Background(), domain.FlowRunIndexKey("demo"), "r2")
	run, _ := domain.RunFromMetadata(entry.Metadata)
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run untouched, got %s", run.Status)
	}
}

func TestRecoverClassifiesOverdueAwaitAsStalled(t *testing.T) {
	store := memory.NewStore()
	b := bus.New(nil)
	det := New(store, b, staticFlowNamer{"demo"}, nil)

	overdue := map[string]*domain.AwaitState{
		"step1:after": {Status: domain.AwaitStatusAwaiting, TimeoutAt: time.Now().Add(-time.Minute).UnixMilli()},
	}
	seedRun(t, store, "demo", "r3", domain.RunAwaiting, overdue)

	det.Recover(context.Background())

	entry, ok, err := store.Index().Get(context.Background(), domain.FlowRunIndexKey("demo"), "r3")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	run, err := domain.RunFromMetadata(entry.Metadata)
	if err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != domain.RunStalled {
		t.Fatalf("expected overdue await to be recovered as stalled, got %s", run.Status)
	}

	stats, ok, err := store.Index().Get(context.Background(), domain.FlowIndexKey, "demo")
	if err != nil || !ok {
		t.Fatalf("get stats: ok=%v err=%v", ok, err)
	}
	if stats.Metadata["running"] != float64(0) && stats.Metadata["running"] != int64(0) {
		t.Fatalf("expected running reconciled to 0, got %v", stats.Metadata["running"])
	}
}

func TestRecoverPreservesActiveAwait(t *testing.T) {
	store := memory.NewStore()
	b := bus.New(nil)
	det := New(store, b, staticFlowNamer{"demo"}, nil)

	active := map[string]*domain.AwaitState{
		"step1:after": {Status: domain.AwaitStatusAwaiting, TimeoutAt: time.Now().Add(time.Hour).UnixMilli()},
	}
	seedRun(t, store, "demo", "r4", domain.RunAwaiting, active)

	det.Recover(context.Background())

	entry, _, _ := store.Index().Get(context.Background(), domain.FlowRunIndexKey("demo"), "r4")
	run, _ := domain.RunFromMetadata(entry.Metadata)
	if run.Status != domain.RunAwaiting {
		t.Fatalf("expected active await to stay awaiting, got %s", run.Status)
	}
}

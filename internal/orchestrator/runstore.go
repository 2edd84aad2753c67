package orchestrator

import (
	"context"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

// indexMaxRetries bounds UpdateWithRetry's optimistic-concurrency retry
// loop.
const indexMaxRetries = 3

// loadRun reads and reconstructs one run's index entry.
func (o *Orchestrator) loadRun(ctx context.Context, flowName, runID string) (*domain.Run, bool, error) {
	entry, ok, err := o.store.Index().Get(ctx, domain.FlowRunIndexKey(flowName), runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	run, err := domain.RunFromMetadata(entry.Metadata)
	if err != nil {
		return nil, false, err
	}
	run.Version = entry.Version
	return run, true, nil
}

// updateRun applies mutate to the run's current state with optimistic
// concurrency retry, persisting the full post-mutation run as the
// patch. mutate returns false to signal "do not write" (e.g. the run is
// already terminal, and a terminal run's status never changes again);
// updateRun returns the run as last observed by mutate, whether or not
// it wrote.
func (o *Orchestrator) updateRun(ctx context.Context, flowName, runID string, mutate func(run *domain.Run) bool) (*domain.Run, error) {
	var final *domain.Run
	err := o.store.Index().UpdateWithRetry(ctx, domain.FlowRunIndexKey(flowName), runID, indexMaxRetries, func(current map[string]any) map[string]any {
		run, err := domain.RunFromMetadata(current)
		if err != nil {
			return map[string]any{}
		}
		if !mutate(run) {
			final = run
			return map[string]any{}
		}
		run.Version++
		final = run
		patch, err := run.ToMetadata()
		if err != nil {
			return map[string]any{}
		}
		return patch
	})
	return final, err
}

func (o *Orchestrator) readRunEvents(ctx context.Context, runID string) ([]ports.StreamEvent, error) {
	return o.store.Stream().Read(ctx, domain.FlowRunSubject(runID), ports.ReadOptions{Order: "asc"})
}

package orchestrator

import (
	"context"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
)

// terminalGuardRelease is how long the in-memory publish-once guard is
// held after a terminal event is persisted.
const terminalGuardRelease = 200 * time.Millisecond

// evaluateTerminal computes the run's terminal status from its event
// stream and, if terminal, marks the run index and publishes the
// corresponding event exactly once.
func (o *Orchestrator) evaluateTerminal(ctx context.Context, af *analyzedFlow, runID string) {
	flowName := af.def.Name
	run, ok, err := o.loadRun(ctx, flowName, runID)
	if err != nil || !ok || run.Status.IsTerminal() {
		return
	}

	events, err := o.readRunEvents(ctx, runID)
	if err != nil {
		o.logger.Error("orchestrator: read run events for terminal check", "runId", runID, "error", err)
		return
	}

	status, reason := analyzeFlowCompletion(af.def, af.graph, events, run)
	if !status.IsTerminal() {
		return
	}

	marked, err := o.updateRun(ctx, flowName, runID, func(run *domain.Run) bool {
		if !run.MarkTerminal(status, time.Now().UnixMilli()) {
			return false
		}
		if reason != "" {
			run.LastError = reason
		}
		return true
	})
	if err != nil {
		o.logger.Error("orchestrator: mark run terminal", "runId", runID, "error", err)
		return
	}
	// Someone else (a concurrent evaluation, or flow.cancel) already won
	// the race to mark this run terminal; a terminal run's status is
	// immutable, so we must not publish on top of it.
	if marked == nil || marked.Status != status {
		return
	}

	o.publishTerminalOnce(ctx, runID, flowName, status, reason)
	o.unscheduleRunJobs(ctx, runID)
}

// publishTerminalOnce guards against a double terminal publish with an
// in-memory set keyed "{runId}:terminal" plus a stream scan for a
// pre-existing terminal event, released 200ms after persistence.
func (o *Orchestrator) publishTerminalOnce(ctx context.Context, runID, flowName string, status domain.RunStatus, reason string) {
	guardKey := runID + ":terminal"
	o.publishMu.Lock()
	if o.publishing[guardKey] {
		o.publishMu.Unlock()
		return
	}
	o.publishing[guardKey] = true
	o.publishMu.Unlock()
	defer time.AfterFunc(terminalGuardRelease, func() {
		o.publishMu.Lock()
		delete(o.publishing, guardKey)
		o.publishMu.Unlock()
	})

	if events, err := o.readRunEvents(ctx, runID); err == nil && hasPersistedTerminalEvent(events) {
		return
	}

	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	o.bus.Publish(ctx, domain.Event{Type: terminalEventTypeFor(status), RunID: runID, FlowName: flowName, Data: data})
}

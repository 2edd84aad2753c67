package orchestrator

import (
	"fmt"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/flowgraph"
	"github.com/shaiso/flowengine/internal/ports"
)

func stepNameOf(e ports.StreamEvent) string {
	s, _ := e.Payload["stepName"].(string)
	return s
}

// completedStepSet returns every step name with a persisted
// step.completed event.
func completedStepSet(events []ports.StreamEvent) map[string]bool {
	set := map[string]bool{}
	for _, e := range events {
		if domain.EventType(e.Type) == domain.EventStepCompleted {
			if name := stepNameOf(e); name != "" {
				set[name] = true
			}
		}
	}
	return set
}

// failedStepSet returns steps whose last step.failed occurs after their
// last step.retry — permanently failed, as opposed to merely between
// retries.
func failedStepSet(events []ports.StreamEvent) map[string]bool {
	lastFailed := map[string]int64{}
	lastRetry := map[string]int64{}
	for _, e := range events {
		name := stepNameOf(e)
		if name == "" {
			continue
		}
		switch domain.EventType(e.Type) {
		case domain.EventStepFailed:
			if e.Ts > lastFailed[name] {
				lastFailed[name] = e.Ts
			}
		case domain.EventStepRetry:
			if e.Ts > lastRetry[name] {
				lastRetry[name] = e.Ts
			}
		}
	}
	failed := map[string]bool{}
	for name, failedAt := range lastFailed {
		if failedAt > lastRetry[name] {
			failed[name] = true
		}
	}
	return failed
}

func hasCancelEvent(events []ports.StreamEvent) bool {
	for _, e := range events {
		if domain.EventType(e.Type) == domain.EventFlowCancel {
			return true
		}
	}
	return false
}

// awaitOverride reports whether any await in the run is currently
// awaiting or timed out.
func awaitOverride(run *domain.Run) (timedOut, awaiting bool) {
	for _, state := range run.AwaitingSteps {
		switch state.Status {
		case domain.AwaitStatusTimeout:
			timedOut = true
		case domain.AwaitStatusAwaiting:
			awaiting = true
		}
	}
	return
}

// analyzeFlowCompletion derives a run's terminal status, if any, from
// its flow graph, event stream, and current await state.
func analyzeFlowCompletion(flow *domain.FlowDef, graph *flowgraph.Graph, events []ports.StreamEvent, run *domain.Run) (domain.RunStatus, string) {
	if hasCancelEvent(events) {
		return domain.RunCanceled, ""
	}

	completed := completedStepSet(events)
	failed := failedStepSet(events)

	for name := range failed {
		node, ok := graph.Nodes[name]
		if !ok {
			continue
		}
		for _, dep := range node.Dependents {
			if !completed[dep] {
				return domain.RunFailed, fmt.Sprintf("step %q failed and blocks dependent step %q", name, dep)
			}
		}
	}

	for _, layer := range graph.DependencySetLayers() {
		if len(layer) == 0 {
			continue
		}
		allFailed := true
		hasLeaf := false
		for _, name := range layer {
			if !failed[name] {
				allFailed = false
			}
			if graph.IsLeaf(name) {
				hasLeaf = true
			}
		}
		if allFailed && hasLeaf {
			return domain.RunFailed, fmt.Sprintf("every step in layer %v failed", layer)
		}
	}

	pendingAwaitAfter := awaitingAfterStepSet(flow, run, events)
	allTerminal := true
	for name := range graph.Nodes {
		if pendingAwaitAfter[name] {
			allTerminal = false
			break
		}
		if !completed[name] && !failed[name] {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return domain.RunCompleted, ""
	}

	timedOut, awaiting := awaitOverride(run)
	if timedOut {
		return domain.RunFailed, "await timeout unresolved"
	}
	if awaiting {
		return domain.RunAwaiting, ""
	}
	return domain.RunRunning, ""
}

func terminalEventTypeFor(status domain.RunStatus) domain.EventType {
	if status == domain.RunCompleted {
		return domain.EventFlowCompleted
	}
	return domain.EventFlowFailed
}

func hasPersistedTerminalEvent(events []ports.StreamEvent) bool {
	for _, e := range events {
		switch domain.EventType(e.Type) {
		case domain.EventFlowCompleted, domain.EventFlowFailed, domain.EventFlowCancel, domain.EventFlowStalled:
			return true
		}
	}
	return false
}

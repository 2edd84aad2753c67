package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/telemetry"
)

const stepDependencyPrefix = "step:"

// checkAndTriggerPendingSteps re-evaluates every not-yet-completed step
// of the flow against the run's current emittedEvents/awaitingSteps/
// completed-step state and enqueues, or arms an awaitBefore for,
// whichever steps are now ready.
func (o *Orchestrator) checkAndTriggerPendingSteps(ctx context.Context, af *analyzedFlow, runID string) {
	flowName := af.def.Name
	run, ok, err := o.loadRun(ctx, flowName, runID)
	if err != nil || !ok || run.Status.IsTerminal() {
		return
	}

	events, err := o.readRunEvents(ctx, runID)
	if err != nil {
		o.logger.Error("orchestrator: read run events for pending evaluation", "runId", runID, "error", err)
		return
	}
	completed := completedStepSet(events)
	pendingAwaitAfter := awaitingAfterStepSet(af.def, run, events)

	for name, step := range af.def.Steps {
		if name == af.def.EntryStep || completed[name] {
			continue
		}

		if step.AwaitBefore != nil {
			if state := run.AwaitingSteps[domain.AwaitKey(name, domain.AwaitBefore)]; state != nil &&
				(state.Status == domain.AwaitStatusAwaiting || state.Status == domain.AwaitStatusTimeout) {
				continue
			}
		}

		if !subscriptionsSatisfied(step, run, completed, pendingAwaitAfter, events) {
			continue
		}

		if step.AwaitBefore != nil {
			if _, armed := run.AwaitingSteps[domain.AwaitKey(name, domain.AwaitBefore)]; !armed {
				o.registerAwaitBefore(ctx, flowName, runID, name, *step.AwaitBefore)
				continue
			}
		}

		o.enqueueStep(ctx, flowName, runID, name, step, events)
	}
}

// subscriptionsSatisfied reports whether every token a step subscribes
// to has either a completed, non-awaiting dependency step or a
// recorded emitted event backing it.
func subscriptionsSatisfied(step domain.StepDef, run *domain.Run, completed map[string]bool, pendingAwaitAfter map[string]bool, events []ports.StreamEvent) bool {
	for _, token := range step.Subscribes {
		if strings.HasPrefix(token, stepDependencyPrefix) {
			dep := strings.TrimPrefix(token, stepDependencyPrefix)
			if !completed[dep] || pendingAwaitAfter[dep] {
				return false
			}
			continue
		}

		if _, ok := domain.DotPathGet(run.EmittedEvents, token); !ok {
			return false
		}
		if emitter := emitterStepFor(events, token); emitter != "" && pendingAwaitAfter[emitter] {
			return false
		}
	}
	return true
}

// awaitingAfterStepSet names every step whose awaitAfter is still
// unresolved, so a dependent's emitted-event subscription is held
// until that await settles. Beyond the authoritative awaitingSteps map
// it also covers a pre-persistence race: a step.completed has been
// persisted but the corresponding await.registered(after) has not yet
// landed.
func awaitingAfterStepSet(flow *domain.FlowDef, run *domain.Run, events []ports.StreamEvent) map[string]bool {
	pending := map[string]bool{}
	for name, step := range flow.Steps {
		if step.AwaitAfter == nil {
			continue
		}
		key := domain.AwaitKey(name, domain.AwaitAfter)
		if state, ok := run.AwaitingSteps[key]; ok {
			if state.Status == domain.AwaitStatusAwaiting || state.Status == domain.AwaitStatusTimeout {
				pending[name] = true
			}
			continue
		}
		if stepCompletedWithoutAwaitResolution(events, name) {
			pending[name] = true
		}
	}
	return pending
}

func stepCompletedWithoutAwaitResolution(events []ports.StreamEvent, stepName string) bool {
	completed, settled := false, false
	for _, e := range events {
		if stepNameOf(e) != stepName {
			continue
		}
		switch domain.EventType(e.Type) {
		case domain.EventStepCompleted:
			completed = true
		case domain.EventAwaitResolved, domain.EventAwaitTimeout:
			if pos, _ := e.Payload["position"].(string); domain.AwaitPosition(pos) == domain.AwaitAfter {
				settled = true
			}
		}
	}
	return completed && !settled
}

func emitterStepFor(events []ports.StreamEvent, token string) string {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if domain.EventType(e.Type) != domain.EventEmit {
			continue
		}
		if name, _ := e.Payload["name"].(string); name == token {
			stepName, _ := e.Payload["stepName"].(string)
			return stepName
		}
	}
	return ""
}

func emitPayloadForToken(events []ports.StreamEvent, token string) (any, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if domain.EventType(e.Type) != domain.EventEmit {
			continue
		}
		if name, _ := e.Payload["name"].(string); name == token {
			return e.Payload["payload"], true
		}
	}
	return nil, false
}

// registerAwaitBefore arms the awaitBefore pattern without enqueueing
// the step body yet.
func (o *Orchestrator) registerAwaitBefore(ctx context.Context, flowName, runID, stepName string, cfg domain.AwaitConfig) {
	if err := o.awaits.Register(ctx, runID, flowName, stepName, domain.AwaitBefore, cfg); err != nil {
		o.logger.Error("orchestrator: register awaitBefore", "runId", runID, "stepName", stepName, "error", err)
	}
}

// registerAwaitAfter arms the awaitAfter pattern once the step body
// it gates has already completed.
func (o *Orchestrator) registerAwaitAfter(ctx context.Context, flowName, runID, stepName string, cfg domain.AwaitConfig) {
	if err := o.awaits.Register(ctx, runID, flowName, stepName, domain.AwaitAfter, cfg); err != nil {
		o.logger.Error("orchestrator: register awaitAfter", "runId", runID, "stepName", stepName, "error", err)
	}
}

// enqueueStep enqueues a fresh (non-resumed) step: the job payload is
// built from each subscription token's recorded emit payload, keyed
// with a deterministic jobId so re-evaluation is idempotent.
func (o *Orchestrator) enqueueStep(ctx context.Context, flowName, runID, name string, step domain.StepDef, events []ports.StreamEvent) {
	input := map[string]any{}
	for _, token := range step.Subscribes {
		if strings.HasPrefix(token, stepDependencyPrefix) {
			continue
		}
		if payload, ok := emitPayloadForToken(events, token); ok {
			input[token] = payload
		}
	}

	jobID := fmt.Sprintf("%s__%s", runID, name)
	opts := ports.EnqueueOptions{JobID: jobID, Timeout: int64(step.StepTimeout / time.Millisecond)}
	if _, err := o.queue.Enqueue(ctx, step.Queue, ports.JobSpec{Name: name, Data: input, Opts: opts}); err != nil {
		o.logger.Error("orchestrator: enqueue step", "runId", runID, "stepName", name, "error", err)
		return
	}
	telemetry.Metrics.StepsEnqueued.Inc()
}

// enqueueResumedStep enqueues the awaitBefore-resolved path: the worker
// is told to bypass await registration and run the handler directly.
func (o *Orchestrator) enqueueResumedStep(ctx context.Context, af *analyzedFlow, runID, stepName string, triggerData any) {
	step, ok := af.def.Step(stepName)
	if !ok {
		return
	}
	jobID := fmt.Sprintf("%s__%s__resumed", runID, stepName)
	payload := map[string]any{
		"awaitResolved": true,
		"awaitData":     triggerData,
		"awaitPosition": string(domain.AwaitBefore),
	}
	opts := ports.EnqueueOptions{JobID: jobID, Timeout: int64(step.StepTimeout / time.Millisecond)}
	if _, err := o.queue.Enqueue(ctx, step.Queue, ports.JobSpec{Name: stepName, Data: payload, Opts: opts}); err != nil {
		o.logger.Error("orchestrator: enqueue resumed step", "runId", runID, "stepName", stepName, "error", err)
		return
	}
	telemetry.Metrics.StepsEnqueued.Inc()
}

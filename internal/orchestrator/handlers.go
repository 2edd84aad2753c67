package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
)

// onFlowStart creates the run index entry and arms the stall-timeout
// job. The entry step is assumed already enqueued by whoever published
// flow.start (trigger.Wiring.StartFlow).
func (o *Orchestrator) onFlowStart(ctx context.Context, event domain.Event) {
	af, ok := o.flows.get(event.FlowName)
	if !ok {
		o.logger.Error("orchestrator: flow.start for unregistered flow", "flowName", event.FlowName, "runId", event.RunID)
		return
	}

	run := domain.NewRun(event.RunID, event.FlowName, event.Ts)
	meta, err := run.ToMetadata()
	if err != nil {
		o.logger.Error("orchestrator: marshal new run", "runId", event.RunID, "error", err)
		return
	}
	err = o.store.Index().Add(ctx, domain.FlowRunIndexKey(event.FlowName), event.RunID, float64(event.Ts), meta)
	if err != nil && !errors.Is(err, domain.ErrIndexEntryExists) {
		o.logger.Error("orchestrator: create run index entry", "runId", event.RunID, "error", err)
		return
	}

	o.rescheduleStallTimeout(ctx, event.RunID, event.FlowName, af.stallTimeout)
}

// onStepLifecycle reschedules the stall timeout on any lifecycle
// event, bumps stepCount/completedSteps, then re-evaluates pending
// steps and terminal status where applicable.
func (o *Orchestrator) onStepLifecycle(ctx context.Context, event domain.Event) {
	af, ok := o.flows.get(event.FlowName)
	if !ok {
		return
	}

	run, err := o.updateRun(ctx, event.FlowName, event.RunID, func(run *domain.Run) bool {
		if run.Status.IsTerminal() {
			return false
		}
		run.Touch(event.Ts)
		switch event.Type {
		case domain.EventStepStarted:
			run.StepCount++
		case domain.EventStepCompleted:
			run.CompletedSteps++
		}
		return true
	})
	if err != nil {
		o.logger.Error("orchestrator: update run on step lifecycle", "runId", event.RunID, "type", event.Type, "error", err)
		return
	}
	if run == nil || run.Status.IsTerminal() {
		return
	}

	o.rescheduleStallTimeout(ctx, event.RunID, event.FlowName, af.stallTimeout)

	if event.Type == domain.EventStepCompleted {
		if step, ok := af.def.Step(event.StepName); ok && step.AwaitAfter != nil {
			o.registerAwaitAfter(ctx, event.FlowName, event.RunID, event.StepName, *step.AwaitAfter)
		}
		o.checkAndTriggerPendingSteps(ctx, af, event.RunID)
	}
	if event.Type == domain.EventStepCompleted || event.Type == domain.EventStepFailed {
		o.evaluateTerminal(ctx, af, event.RunID)
	}
}

// onEmit deep-merges the emit's dot-path into emittedEvents, then
// re-evaluates pending steps.
func (o *Orchestrator) onEmit(ctx context.Context, event domain.Event) {
	af, ok := o.flows.get(event.FlowName)
	if !ok {
		return
	}
	name := event.DataString("name")
	if name == "" {
		return
	}

	_, err := o.updateRun(ctx, event.FlowName, event.RunID, func(run *domain.Run) bool {
		if run.Status.IsTerminal() {
			return false
		}
		run.Touch(event.Ts)
		domain.DeepMergeInto(run.EmittedEvents, domain.BuildNestedFromPath(name, event.Ts))
		return true
	})
	if err != nil {
		o.logger.Error("orchestrator: update run on emit", "runId", event.RunID, "error", err)
		return
	}

	o.checkAndTriggerPendingSteps(ctx, af, event.RunID)
}

// onAwaitRegistered records a newly armed await in the run's
// awaitingSteps map and marks the run as awaiting.
func (o *Orchestrator) onAwaitRegistered(ctx context.Context, event domain.Event) {
	position := domain.AwaitPosition(event.DataString("position"))
	key := domain.AwaitKey(event.StepName, position)

	var cfg domain.AwaitConfig
	if err := remarshal(event.Data["config"], &cfg); err != nil {
		o.logger.Error("orchestrator: decode await config", "runId", event.RunID, "stepName", event.StepName, "error", err)
	}

	state := &domain.AwaitState{
		Status:       domain.AwaitStatusAwaiting,
		AwaitType:    domain.AwaitType(event.DataString("awaitType")),
		Position:     position,
		RegisteredAt: toInt64(event.Data["registeredAt"]),
		TimeoutAt:    toInt64(event.Data["timeoutAt"]),
		Config:       cfg,
	}

	_, err := o.updateRun(ctx, event.FlowName, event.RunID, func(run *domain.Run) bool {
		if run.Status.IsTerminal() {
			return false
		}
		run.Touch(event.Ts)
		run.AwaitingSteps[key] = state
		run.Status = domain.RunAwaiting
		return true
	})
	if err != nil {
		o.logger.Error("orchestrator: update run on await.registered", "runId", event.RunID, "error", err)
	}
}

// onAwaitSettled handles both await.resolved and await.timeout.
func (o *Orchestrator) onAwaitSettled(ctx context.Context, event domain.Event) {
	af, ok := o.flows.get(event.FlowName)
	if !ok {
		return
	}
	position := domain.AwaitPosition(event.DataString("position"))
	key := domain.AwaitKey(event.StepName, position)
	resolved := event.Type == domain.EventAwaitResolved

	var (
		timeoutAction                                     domain.TimeoutAction
		shouldEnqueueResume, shouldReevaluate, shouldFail bool
	)

	run, err := o.updateRun(ctx, event.FlowName, event.RunID, func(run *domain.Run) bool {
		if run.Status.IsTerminal() {
			return false
		}
		run.Touch(event.Ts)
		state, ok := run.AwaitingSteps[key]
		if !ok {
			state = &domain.AwaitState{Position: position}
			run.AwaitingSteps[key] = state
		}

		if resolved {
			state.Status = domain.AwaitStatusResolved
			state.TriggerData = event.Data["triggerData"]
			if position == domain.AwaitBefore {
				shouldEnqueueResume = true
			} else {
				shouldReevaluate = true
			}
			return true
		}

		timeoutAction = domain.TimeoutAction(event.DataString("timeoutAction"))
		state.TimedOutAt = event.Ts
		if timeoutAction == domain.TimeoutActionContinue {
			state.Status = domain.AwaitStatusResolved
			state.TriggerData = nil
			shouldReevaluate = true
		} else {
			// fail, and retry (reserved) both fail for now.
			state.Status = domain.AwaitStatusTimeout
			shouldFail = true
		}
		return true
	})
	if err != nil {
		o.logger.Error("orchestrator: update run on await settlement", "runId", event.RunID, "error", err)
		return
	}
	if run == nil || run.Status.IsTerminal() {
		return
	}

	switch {
	case shouldEnqueueResume:
		o.enqueueResumedStep(ctx, af, event.RunID, event.StepName, event.Data["triggerData"])
	case shouldReevaluate:
		o.checkAndTriggerPendingSteps(ctx, af, event.RunID)
	case shouldFail:
		o.bus.Publish(ctx, domain.Event{
			Type:     domain.EventStepFailed,
			RunID:    event.RunID,
			FlowName: event.FlowName,
			StepName: event.StepName,
			Data: map[string]any{
				"error":         fmt.Sprintf("Await timeout: %s exceeded its await deadline", event.StepName),
				"attemptsMade":  -1,
				"timeoutAction": string(timeoutAction),
			},
		})
	}
}

// onFlowCancel marks the run canceled and unschedules its pending jobs.
func (o *Orchestrator) onFlowCancel(ctx context.Context, event domain.Event) {
	run, err := o.updateRun(ctx, event.FlowName, event.RunID, func(run *domain.Run) bool {
		return run.MarkTerminal(domain.RunCanceled, event.Ts)
	})
	if err != nil {
		o.logger.Error("orchestrator: update run on flow.cancel", "runId", event.RunID, "error", err)
		return
	}
	if run == nil || run.Status != domain.RunCanceled {
		return
	}
	o.unscheduleRunJobs(ctx, event.RunID)
}

func (o *Orchestrator) unscheduleRunJobs(ctx context.Context, runID string) {
	for _, job := range o.sched.GetJobsByPattern(runID) {
		o.sched.Unschedule(ctx, job.ID)
	}
}

// rescheduleStallTimeout cancels and re-adds the run's stall-timeout
// job, pushing its deadline out from now.
func (o *Orchestrator) rescheduleStallTimeout(ctx context.Context, runID, flowName string, stallTimeout time.Duration) {
	id := domain.StallJobID(runID)
	o.sched.Unschedule(ctx, id)
	job := domain.ScheduledJob{
		ID:        id,
		Type:      domain.JobOneTime,
		ExecuteAt: time.Now().Add(stallTimeout).UnixMilli(),
		Enabled:   true,
		Metadata:  domain.JobMetadata{Component: "stall-timeout", RunID: runID, FlowName: flowName},
		Handler:   o.stallTimeoutHandler(runID, flowName),
	}
	if _, err := o.sched.Schedule(ctx, job); err != nil {
		o.logger.Error("orchestrator: schedule stall timeout", "runId", runID, "error", err)
	}
}

func (o *Orchestrator) stallTimeoutHandler(runID, flowName string) domain.JobHandler {
	return func() error {
		if o.onStallFired != nil {
			o.onStallFired(context.Background(), runID, flowName)
		}
		return nil
	}
}

// Rebuilder reconstructs a stall-timeout job's handler after a restart.
func (o *Orchestrator) Rebuilder() func(job domain.ScheduledJob) (domain.JobHandler, bool) {
	return func(job domain.ScheduledJob) (domain.JobHandler, bool) {
		if job.Metadata.Component != "stall-timeout" {
			return nil, false
		}
		return o.stallTimeoutHandler(job.Metadata.RunID, job.Metadata.FlowName), true
	}
}

func remarshal(src any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

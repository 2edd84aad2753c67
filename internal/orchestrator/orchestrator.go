package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shaiso/flowengine/internal/await"
	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/scheduler"
	"github.com/shaiso/flowengine/internal/telemetry"
)

// orchestratedEventTypes is every ingress event type the orchestrator
// reacts to. flow.completed/failed/stalled are included only so their
// stats-stage pass runs once persisted; their orchestration-stage case
// is a no-op since whoever published them already decided the
// transition.
var orchestratedEventTypes = []domain.EventType{
	domain.EventFlowStart,
	domain.EventFlowCancel,
	domain.EventFlowCompleted,
	domain.EventFlowFailed,
	domain.EventFlowStalled,
	domain.EventStepStarted,
	domain.EventStepCompleted,
	domain.EventStepFailed,
	domain.EventStepRetry,
	domain.EventEmit,
	domain.EventAwaitRegistered,
	domain.EventAwaitResolved,
	domain.EventAwaitTimeout,
}

type reentrantKey struct{}

// withReentrant marks ctx as running on a run's serialization chain
// goroutine already, so a nested Publish recurses through process
// directly instead of re-entering dispatchSerialized (which would
// deadlock: the chain's single goroutine would be blocked sending to
// itself).
func withReentrant(ctx context.Context) context.Context {
	return context.WithValue(ctx, reentrantKey{}, true)
}

func isReentrant(ctx context.Context) bool {
	v, _ := ctx.Value(reentrantKey{}).(bool)
	return v
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Bus    *bus.Bus
	Store  ports.Store
	Queue  ports.Queue
	Sched  *scheduler.Scheduler
	Awaits *await.Subsystem
	Flows  *Registry
	Logger *slog.Logger

	// StallFired is invoked when a run's stall-timeout job elapses
	// in-process; wired to the stall detector's HandleDeadline by the
	// host. Left nil, the orchestrator still schedules the job but
	// nothing observes it firing.
	StallFired func(ctx context.Context, runID, flowName string)
}

// Orchestrator is the flow orchestrator: the central component turning
// ingress events into durable run state and the next round of step
// enqueues.
type Orchestrator struct {
	bus          *bus.Bus
	store        ports.Store
	queue        ports.Queue
	sched        *scheduler.Scheduler
	awaits       *await.Subsystem
	flows        *Registry
	logger       *slog.Logger
	onStallFired func(ctx context.Context, runID, flowName string)

	mu     sync.Mutex
	chains map[string]*runChain

	publishMu  sync.Mutex
	publishing map[string]bool
}

// New constructs an Orchestrator. Call Wire to subscribe its handlers
// to the bus.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		bus: cfg.Bus, store: cfg.Store, queue: cfg.Queue, sched: cfg.Sched,
		awaits: cfg.Awaits, flows: cfg.Flows, logger: logger, onStallFired: cfg.StallFired,
		chains: map[string]*runChain{}, publishing: map[string]bool{},
	}
}

// Wire subscribes busHandler to every orchestrated event type.
func (o *Orchestrator) Wire() {
	for _, t := range orchestratedEventTypes {
		o.bus.OnType(t, o.busHandler)
	}
}

func (o *Orchestrator) busHandler(ctx context.Context, event domain.Event) {
	if event.RunID == "" {
		return
	}
	if isReentrant(ctx) {
		o.process(ctx, event)
		return
	}
	chainCtx := withReentrant(ctx)
	o.dispatchSerialized(event.RunID, func() { o.process(chainCtx, event) })
}

// process runs the persistence stage for an ingress event (appending it
// and republishing the persisted copy), or the orchestration and stats
// stages for an already-persisted one.
func (o *Orchestrator) process(ctx context.Context, event domain.Event) {
	if !event.IsPersisted() {
		persisted, ok := o.appendEvent(ctx, event)
		if !ok {
			return
		}
		o.bus.Publish(withReentrant(ctx), persisted)
		return
	}
	o.orchestrate(ctx, event)
	o.statsStage(ctx, event)
}

// appendEvent persists event to its run stream. Dedicated Event fields
// not already present in Data (stepName, stepId, attempt, flowName) are
// folded into the persisted payload so a later stream read can
// reconstruct them (Payload is the only thing the Store remembers).
func (o *Orchestrator) appendEvent(ctx context.Context, event domain.Event) (domain.Event, bool) {
	payload := make(map[string]any, len(event.Data)+4)
	for k, v := range event.Data {
		payload[k] = v
	}
	if event.StepName != "" {
		payload["stepName"] = event.StepName
	}
	if event.StepID != "" {
		payload["stepId"] = event.StepID
	}
	if event.Attempt != 0 {
		payload["attempt"] = event.Attempt
	}
	if event.FlowName != "" {
		payload["flowName"] = event.FlowName
	}

	se, err := o.store.Stream().Append(ctx, domain.FlowRunSubject(event.RunID), ports.StreamEvent{
		Type: string(event.Type), Payload: payload,
	})
	if err != nil {
		o.logger.Error("orchestrator: persist event failed", "runId", event.RunID, "type", event.Type, "error", err)
		return domain.Event{}, false
	}
	event.ID, event.Ts = se.ID, se.Ts
	return event, true
}

// orchestrate dispatches a persisted event to its handler.
func (o *Orchestrator) orchestrate(ctx context.Context, event domain.Event) {
	switch event.Type {
	case domain.EventFlowStart:
		o.onFlowStart(ctx, event)
	case domain.EventStepStarted, domain.EventStepCompleted, domain.EventStepFailed, domain.EventStepRetry:
		o.onStepLifecycle(ctx, event)
	case domain.EventEmit:
		o.onEmit(ctx, event)
	case domain.EventAwaitRegistered:
		o.onAwaitRegistered(ctx, event)
	case domain.EventAwaitResolved, domain.EventAwaitTimeout:
		o.onAwaitSettled(ctx, event)
	case domain.EventFlowCancel:
		o.onFlowCancel(ctx, event)
	case domain.EventFlowCompleted, domain.EventFlowFailed, domain.EventFlowStalled:
		// The transition already happened at whoever decided to publish
		// this (evaluateTerminal or the stall detector); only the stats
		// stage below still applies.
	}
}

// statsStage is the pipeline's third stage: per-flow counters, updated
// for the subset of event types that carry a stats delta (not every
// event does).
func (o *Orchestrator) statsStage(ctx context.Context, event domain.Event) {
	if event.FlowName == "" {
		return
	}
	delta := statsDeltaFor(event)
	if delta == nil {
		return
	}
	switch event.Type {
	case domain.EventFlowStart:
		telemetry.Metrics.FlowsStarted.Inc()
	case domain.EventFlowCompleted, domain.EventFlowFailed, domain.EventFlowCancel, domain.EventFlowStalled:
		telemetry.Metrics.FlowsCompleted.WithLabelValues(string(terminalStatusFor(event.Type))).Inc()
	}
	_ = o.store.Index().UpdateWithRetry(ctx, domain.FlowIndexKey, event.FlowName, indexMaxRetries, func(current map[string]any) map[string]any {
		patch := map[string]any{}
		for field, by := range delta {
			cur, _ := domain.DotPathGet(current, field)
			patch[field] = toInt64(cur) + by
		}
		return patch
	})
	o.bus.Publish(ctx, domain.Event{
		Type:     domain.EventFlowStatsUpdated,
		FlowName: event.FlowName,
		Data:     map[string]any{"flowName": event.FlowName, "cause": string(event.Type)},
	})
}

// statsDeltaFor maps one persisted event to its per-field stats deltas.
// flow.stalled decrements whichever of running/awaiting the run was in
// before stalling (carried in data.previousStatus by the stall
// detector) rather than a fixed field, and does not increment a
// separate "stalled" counter.
func statsDeltaFor(event domain.Event) map[string]int64 {
	switch event.Type {
	case domain.EventFlowStart:
		return map[string]int64{"total": 1, "running": 1}
	case domain.EventFlowCompleted:
		return map[string]int64{"running": -1, "success": 1}
	case domain.EventFlowFailed:
		return map[string]int64{"running": -1, "failure": 1}
	case domain.EventFlowCancel:
		return map[string]int64{"running": -1, "cancel": 1}
	case domain.EventFlowStalled:
		if event.DataString("previousStatus") == string(domain.RunAwaiting) {
			return map[string]int64{"awaiting": -1}
		}
		return map[string]int64{"running": -1}
	case domain.EventAwaitRegistered:
		return map[string]int64{"running": -1, "awaiting": 1}
	case domain.EventAwaitResolved, domain.EventAwaitTimeout:
		return map[string]int64{"awaiting": -1, "running": 1}
	default:
		return nil
	}
}

// terminalStatusFor maps the terminal flow event published for a run
// to the run status label recorded against it, for the
// flowengine_flows_completed_total metric.
func terminalStatusFor(t domain.EventType) domain.RunStatus {
	switch t {
	case domain.EventFlowCompleted:
		return domain.RunCompleted
	case domain.EventFlowFailed:
		return domain.RunFailed
	case domain.EventFlowCancel:
		return domain.RunCanceled
	case domain.EventFlowStalled:
		return domain.RunStalled
	default:
		return ""
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

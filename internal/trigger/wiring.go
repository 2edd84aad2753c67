package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/scheduler"
)

const triggerIndexKey = "triggerIndex"

func triggerStreamSubject(name string) string { return fmt.Sprintf("triggerStream:%s", name) }

// FlowRegistry resolves a flow definition by name. The orchestrator's
// flow registry (and test doubles) satisfy it with a single method.
type FlowRegistry interface {
	GetFlow(flowName string) (*domain.FlowDef, bool)
}

// Config wires Wiring to its collaborators.
type Config struct {
	Bus     *bus.Bus
	Store   ports.Store
	Queue   ports.Queue
	Sched   *scheduler.Scheduler
	Flows   FlowRegistry
	Runtime *Runtime
	Logger  *slog.Logger
}

// Wiring is the event-driven glue reacting to trigger.* and
// subscription.* events across the persistence/orchestration/stats
// pipeline stages.
type Wiring struct {
	bus     *bus.Bus
	store   ports.Store
	queue   ports.Queue
	sched   *scheduler.Scheduler
	flows   FlowRegistry
	runtime *Runtime
	logger  *slog.Logger
}

// New constructs a Wiring. Call Wire to subscribe its handlers.
func New(cfg Config) *Wiring {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Wiring{bus: cfg.Bus, store: cfg.Store, queue: cfg.Queue, sched: cfg.Sched, flows: cfg.Flows, runtime: cfg.Runtime, logger: logger}
}

// Wire subscribes every handler to the bus.
func (w *Wiring) Wire() {
	w.bus.OnType(domain.EventTriggerRegistered, w.handleRegistered)
	w.bus.OnType(domain.EventTriggerUpdated, w.handleUpdated)
	w.bus.OnType(domain.EventTriggerFired, w.handleFired)
	w.bus.OnType(domain.EventTriggerDeleted, w.handleDeleted)
	w.bus.OnType(domain.EventSubscriptionAdded, w.handleSubscriptionAdded)
	w.bus.OnType(domain.EventSubscriptionRemoved, w.handleSubscriptionRemoved)
}

func (w *Wiring) persist(ctx context.Context, event domain.Event) (domain.Event, bool) {
	if event.IsPersisted() {
		return event, true
	}
	subject := triggerStreamSubject(event.DataString("name"))
	persisted, err := w.store.Stream().Append(ctx, subject, ports.StreamEvent{Type: string(event.Type), Payload: event.Data})
	if err != nil {
		w.logger.Error("trigger: persist failed", "type", event.Type, "error", err)
		return event, false
	}
	event.ID, event.Ts = persisted.ID, persisted.Ts
	w.bus.Publish(ctx, event)
	return event, false
}

func (w *Wiring) handleRegistered(ctx context.Context, event domain.Event) {
	if _, ingress := w.persist(ctx, event); !ingress {
		return
	}
	name := event.DataString("name")
	typ := domain.TriggerType(event.DataString("type"))
	t := domain.NewTrigger(name, typ)
	w.runtime.AddTrigger(t)

	_ = w.store.Index().Add(ctx, triggerIndexKey, name, float64(time.Now().UnixMilli()), map[string]any{
		"name": name, "type": string(typ), "status": string(t.Status),
		"stats": map[string]any{"totalFires": 0, "totalFlowsStarted": 0, "activeSubscribers": 0},
	})

	if typ == domain.TriggerSchedule {
		w.scheduleTriggerJob(ctx, name, event.Data)
	}
}

func (w *Wiring) handleUpdated(ctx context.Context, event domain.Event) {
	if _, ingress := w.persist(ctx, event); !ingress {
		return
	}
	name := event.DataString("name")
	_, _ = w.store.Index().Update(ctx, triggerIndexKey, name, event.Data, 0)
	if _, rescheduled := event.Data["schedule"]; rescheduled {
		w.scheduleTriggerJob(ctx, name, event.Data)
	}
}

func (w *Wiring) handleDeleted(ctx context.Context, event domain.Event) {
	if _, ingress := w.persist(ctx, event); !ingress {
		return
	}
	name := event.DataString("name")
	_ = w.store.Index().Delete(ctx, triggerIndexKey, name)
	_ = w.store.Stream().Delete(ctx, triggerStreamSubject(name))
	w.runtime.RemoveTrigger(name)
	w.sched.Unschedule(ctx, scheduleTriggerJobID(name))
}

func (w *Wiring) handleSubscriptionAdded(ctx context.Context, event domain.Event) {
	if _, ingress := w.persist(ctx, event); !ingress {
		return
	}
	triggerName := event.DataString("name")
	flowName := event.DataString("flowName")
	mode := domain.SubscriptionMode(event.DataString("mode"))
	if mode == "" {
		mode = domain.SubscriptionAuto
	}
	w.runtime.AddSubscription(triggerName, flowName, mode, time.Now().UnixMilli())
	_, _ = w.store.Index().Increment(ctx, triggerIndexKey, triggerName, "stats.activeSubscribers", 1)
}

func (w *Wiring) handleSubscriptionRemoved(ctx context.Context, event domain.Event) {
	if _, ingress := w.persist(ctx, event); !ingress {
		return
	}
	triggerName := event.DataString("name")
	flowName := event.DataString("flowName")
	w.runtime.RemoveSubscription(triggerName, flowName)
	_, _ = w.store.Index().Increment(ctx, triggerIndexKey, triggerName, "stats.activeSubscribers", -1)
}

func (w *Wiring) handleFired(ctx context.Context, event domain.Event) {
	persisted, ingress := w.persist(ctx, event)
	if !ingress {
		return
	}

	name := persisted.DataString("name")
	triggerData := persisted.Data
	t, ok := w.runtime.GetTrigger(name)
	if !ok {
		w.logger.Warn("trigger: fired but not registered", "name", name)
		return
	}

	started := 0
	for flowName, sub := range t.Subscriptions {
		if sub.Mode != domain.SubscriptionAuto {
			w.logger.Info("trigger: manual subscription observed fire, not starting", "trigger", name, "flow", flowName)
			continue
		}
		if _, err := w.StartFlow(ctx, flowName, name, t.Type, triggerData); err != nil {
			w.logger.Error("trigger: failed to start flow", "trigger", name, "flow", flowName, "error", err)
			continue
		}
		started++
	}

	_, _ = w.store.Index().Increment(ctx, triggerIndexKey, name, "stats.totalFires", 1)
	if started > 0 {
		_, _ = w.store.Index().Increment(ctx, triggerIndexKey, name, "stats.totalFlowsStarted", int64(started))
	}

	// stats stage: patch lastFiredAt and publish trigger.stats.updated
	_, _ = w.store.Index().Update(ctx, triggerIndexKey, name, map[string]any{"stats": map[string]any{"lastFiredAt": persisted.Ts}}, 0)
	w.bus.Publish(ctx, domain.Event{Type: domain.EventTriggerStatsUpdated, Data: map[string]any{"name": name}})
}

// StartFlow generates a runId, enqueues the entry step, and publishes
// flow.start.
func (w *Wiring) StartFlow(ctx context.Context, flowName, triggerName string, triggerType domain.TriggerType, triggerData map[string]any) (string, error) {
	flow, ok := w.flows.GetFlow(flowName)
	if !ok {
		return "", fmt.Errorf("trigger: flow %q not found", flowName)
	}
	entryStep, ok := flow.Step(flow.EntryStep)
	if !ok {
		return "", fmt.Errorf("trigger: flow %q has no entry step %q", flowName, flow.EntryStep)
	}

	runID := domain.NewRunID(flowName, time.Now().UnixMilli(), shortRand())
	payload := map[string]any{
		"flowId":   runID,
		"flowName": flowName,
		"trigger": map[string]any{
			"name": triggerName,
			"type": string(triggerType),
			"data": triggerData,
		},
	}
	for k, v := range triggerData {
		payload[k] = v
	}

	jobID := fmt.Sprintf("%s__%s", runID, entryStep.Name)
	if _, err := w.queue.Enqueue(ctx, entryStep.Queue, ports.JobSpec{
		Name: entryStep.Name,
		Data: payload,
		Opts: ports.EnqueueOptions{JobID: jobID, Timeout: int64(entryStep.StepTimeout / time.Millisecond)},
	}); err != nil {
		return "", fmt.Errorf("trigger: enqueue entry step: %w", err)
	}

	w.bus.Publish(ctx, domain.Event{
		Type:     domain.EventFlowStart,
		RunID:    runID,
		FlowName: flowName,
		Data:     map[string]any{"input": triggerData},
	})
	return runID, nil
}

func scheduleTriggerJobID(name string) string { return "trigger-schedule:" + name }

func (w *Wiring) scheduleTriggerJob(ctx context.Context, name string, data map[string]any) {
	sched, _ := data["schedule"].(map[string]any)
	cronExpr, _ := sched["cronExpr"].(string)
	timezone, _ := sched["timezone"].(string)
	if cronExpr == "" {
		return
	}
	if err := scheduler.ValidateCronExpr(cronExpr); err != nil {
		w.logger.Error("trigger: rejecting schedule", "trigger", name, "error", err)
		return
	}

	id := scheduleTriggerJobID(name)
	job := domain.ScheduledJob{
		ID:       id,
		Type:     domain.JobCron,
		CronExpr: cronExpr,
		Timezone: timezone,
		Enabled:  true,
		Metadata: domain.JobMetadata{Type: "schedule-trigger", TriggerName: name},
		Handler:  w.scheduleTriggerHandler(ctx, name),
	}
	if _, err := w.sched.Schedule(ctx, job); err != nil {
		w.logger.Error("trigger: failed to schedule trigger job", "trigger", name, "error", err)
	}
}

func (w *Wiring) scheduleTriggerHandler(ctx context.Context, name string) domain.JobHandler {
	return func() error {
		w.bus.Publish(ctx, domain.Event{
			Type: domain.EventTriggerFired,
			Data: map[string]any{"name": name, "scheduledAt": time.Now().UnixMilli()},
		})
		return nil
	}
}

// Rebuilder reconstructs schedule-trigger jobs after a restart.
func (w *Wiring) Rebuilder() scheduler.Rebuilder {
	return func(job domain.ScheduledJob) (domain.JobHandler, bool) {
		if job.Metadata.Type != "schedule-trigger" {
			return nil, false
		}
		return w.scheduleTriggerHandler(context.Background(), job.Metadata.TriggerName), true
	}
}

func shortRand() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

package await

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/scheduler"
	"github.com/shaiso/flowengine/internal/telemetry"
)

// Now is overridable in tests.
var Now = func() time.Time { return time.Now() }

// jobID builds the deterministic scheduler job id for one await's
// timeout/resolution job.
func jobID(runID, stepName string, position domain.AwaitPosition) string {
	return fmt.Sprintf("await:%s:%s:%s", runID, stepName, position)
}

type eventWatch struct {
	jobID    string
	runID    string
	flowName string
	stepName string
	position domain.AwaitPosition
	pattern  string
}

// Subsystem registers and resolves await patterns. It holds
// no run state of its own beyond a transient registry of active
// event-pattern watches; the authoritative awaitingSteps record lives
// in the orchestrator's run index.
type Subsystem struct {
	bus    *bus.Bus
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu      sync.Mutex
	watches map[string]*eventWatch // keyed by jobID
}

// New constructs a Subsystem. Callers must call RegisterRebuilder on
// the scheduler (see Rebuilder) before starting it, and call Wire to
// subscribe to bus events that resolve "event" awaits.
func New(b *bus.Bus, sched *scheduler.Scheduler, logger *slog.Logger) *Subsystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subsystem{bus: b, sched: sched, logger: logger, watches: map[string]*eventWatch{}}
}

// Wire subscribes to the bus so that "event"-kind awaits can resolve
// against any emitted event.
func (s *Subsystem) Wire() {
	s.bus.OnType(domain.EventEmit, s.onEmit)
}

// Register computes timeoutAt, publishes await.registered, and arms
// the corresponding scheduler job.
func (s *Subsystem) Register(ctx context.Context, runID, flowName, stepName string, position domain.AwaitPosition, cfg domain.AwaitConfig) error {
	now := Now()
	timeoutAt, err := s.computeTimeoutAt(cfg, now)
	if err != nil {
		return err
	}

	telemetry.Metrics.AwaitsRegistered.WithLabelValues(string(cfg.Type)).Inc()
	s.bus.Publish(ctx, domain.Event{
		Type:     domain.EventAwaitRegistered,
		RunID:    runID,
		FlowName: flowName,
		StepName: stepName,
		Data: map[string]any{
			"awaitType":    string(cfg.Type),
			"position":     string(position),
			"config":       cfg,
			"registeredAt": now.UnixMilli(),
			"timeoutAt":    timeoutAt.UnixMilli(),
		},
	})

	return s.arm(ctx, runID, flowName, stepName, position, cfg, timeoutAt)
}

func (s *Subsystem) computeTimeoutAt(cfg domain.AwaitConfig, now time.Time) (time.Time, error) {
	switch cfg.Type {
	case domain.AwaitTime:
		return now.Add(cfg.Delay), nil
	case domain.AwaitSchedule:
		return scheduler.CalculateNextCron(cfg.CronExpr, cfg.Timezone, now)
	case domain.AwaitWebhook, domain.AwaitEvent:
		return now.Add(cfg.EffectiveTimeout()), nil
	default:
		return now.Add(24 * time.Hour), nil
	}
}

// arm schedules the job that drives this await to completion: for
// time/schedule it is the resolver itself; for webhook/event it is the
// timeout fallback, since resolution for those kinds instead arrives
// through ResolveWebhook/ResolveEvent.
func (s *Subsystem) arm(ctx context.Context, runID, flowName, stepName string, position domain.AwaitPosition, cfg domain.AwaitConfig, timeoutAt time.Time) error {
	id := jobID(runID, stepName, position)
	meta := domain.JobMetadata{
		Component:     "await-pattern",
		AwaitType:     cfg.Type,
		RunID:         runID,
		StepName:      stepName,
		FlowName:      flowName,
		Position:      position,
		Timeout:       cfg.EffectiveTimeout(),
		TimeoutAction: cfg.TimeoutAction,
		EventPattern:  cfg.EventPattern,
	}

	if cfg.Type == domain.AwaitEvent {
		s.mu.Lock()
		s.watches[id] = &eventWatch{jobID: id, runID: runID, flowName: flowName, stepName: stepName, position: position, pattern: cfg.EventPattern}
		s.mu.Unlock()
	}

	job := domain.ScheduledJob{
		ID:        id,
		Type:      domain.JobOneTime,
		ExecuteAt: timeoutAt.UnixMilli(),
		Enabled:   true,
		Metadata:  meta,
		Handler:   s.handlerFor(ctx, meta),
	}
	_, err := s.sched.Schedule(ctx, job)
	return err
}

// handlerFor builds the job handler that fires when the scheduled job's
// time arrives, dispatching by await kind.
func (s *Subsystem) handlerFor(ctx context.Context, meta domain.JobMetadata) domain.JobHandler {
	return func() error {
		switch meta.AwaitType {
		case domain.AwaitTime:
			s.publishResolved(ctx, meta, map[string]any{"delayCompleted": true})
		case domain.AwaitSchedule:
			s.publishResolved(ctx, meta, map[string]any{"scheduledAt": Now().UnixMilli()})
		case domain.AwaitWebhook, domain.AwaitEvent:
			s.clearWatch(jobID(meta.RunID, meta.StepName, meta.Position))
			s.publishTimeout(ctx, meta)
		}
		return nil
	}
}

// ResolveWebhook is called by the external HTTP callback handler when a
// webhook await's URL receives a POST. It unschedules the timeout job
// and publishes await.resolved.
func (s *Subsystem) ResolveWebhook(ctx context.Context, runID, flowName, stepName string, position domain.AwaitPosition, requestBody map[string]any) {
	id := jobID(runID, stepName, position)
	s.sched.Unschedule(ctx, id)
	s.clearWatch(id)
	s.publishResolved(ctx, domain.JobMetadata{RunID: runID, FlowName: flowName, StepName: stepName, Position: position}, requestBody)
}

// onEmit checks every active event-pattern watch against an emitted
// event and resolves the ones that match.
func (s *Subsystem) onEmit(ctx context.Context, event domain.Event) {
	name := event.DataString("name")
	if name == "" {
		return
	}

	s.mu.Lock()
	var matched []*eventWatch
	for id, w := range s.watches {
		if w.runID == event.RunID && matchesPattern(w.pattern, name) {
			matched = append(matched, w)
			delete(s.watches, id)
		}
	}
	s.mu.Unlock()

	for _, w := range matched {
		s.sched.Unschedule(ctx, w.jobID)
		s.publishResolved(ctx, domain.JobMetadata{RunID: w.runID, FlowName: w.flowName, StepName: w.stepName, Position: w.position}, map[string]any{"matchingEvent": name, "data": event.Data})
	}
}

func matchesPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (s *Subsystem) clearWatch(id string) {
	s.mu.Lock()
	delete(s.watches, id)
	s.mu.Unlock()
}

func (s *Subsystem) publishResolved(ctx context.Context, meta domain.JobMetadata, triggerData map[string]any) {
	telemetry.Metrics.AwaitsResolved.WithLabelValues("resolved").Inc()
	s.bus.Publish(ctx, domain.Event{
		Type:     domain.EventAwaitResolved,
		RunID:    meta.RunID,
		FlowName: meta.FlowName,
		StepName: meta.StepName,
		Data: map[string]any{
			"position":    string(meta.Position),
			"triggerData": triggerData,
		},
	})
}

func (s *Subsystem) publishTimeout(ctx context.Context, meta domain.JobMetadata) {
	telemetry.Metrics.AwaitsResolved.WithLabelValues("timeout").Inc()
	s.bus.Publish(ctx, domain.Event{
		Type:     domain.EventAwaitTimeout,
		RunID:    meta.RunID,
		FlowName: meta.FlowName,
		StepName: meta.StepName,
		Data: map[string]any{
			"position":      string(meta.Position),
			"timeoutAction": string(meta.TimeoutAction),
			"timedOutAt":    Now().UnixMilli(),
		},
	})
}

// Rebuilder reconstructs an await job's handler after a restart:
// awaitType time/schedule rebuild to the resolver; webhook/
// event rebuild to the timeout publisher, since an external callback
// (not a scheduler job) is what resolves those before the deadline.
func (s *Subsystem) Rebuilder() scheduler.Rebuilder {
	return func(job domain.ScheduledJob) (domain.JobHandler, bool) {
		if job.Metadata.Component != "await-pattern" {
			return nil, false
		}
		if job.Metadata.AwaitType == domain.AwaitEvent {
			s.mu.Lock()
			s.watches[job.ID] = &eventWatch{
				jobID: job.ID, runID: job.Metadata.RunID, flowName: job.Metadata.FlowName,
				stepName: job.Metadata.StepName, position: job.Metadata.Position,
				pattern: job.Metadata.EventPattern,
			}
			s.mu.Unlock()
		}
		return s.handlerFor(context.Background(), job.Metadata), true
	}
}

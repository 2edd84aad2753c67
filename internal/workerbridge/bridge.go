package workerbridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/stepkit"
)

const defaultConcurrency = 4

// Config wires a Bridge to its collaborators.
type Config struct {
	Queue  ports.Queue
	Bus    *bus.Bus
	Steps  *stepkit.Registry
	Logger *slog.Logger
}

// jobContext is what the per-step worker handler knows that the
// queue-level job-event hook does not: which flow and step a jobId
// belongs to, and which emit names its successful result should
// publish. It is recorded right before a step body runs and consulted
// (then dropped, on a terminal outcome) by onJobEvent.
type jobContext struct {
	flowName string
	stepName string
	emits    []string
}

// Bridge registers one Queue worker per step and bridges queue job
// lifecycle events back onto the bus as step.started/completed/failed/
// retry and emit events.
type Bridge struct {
	queue  ports.Queue
	bus    *bus.Bus
	steps  *stepkit.Registry
	logger *slog.Logger

	mu          sync.Mutex
	jobs        map[string]jobContext // jobID -> context, while in flight
	wiredQueues map[string]bool
}

// New constructs a Bridge. Call RegisterFlow for every flow whose steps
// this process should execute; bootstrap's Engine does so for every
// flow it loads, in every daemon.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		queue: cfg.Queue, bus: cfg.Bus, steps: cfg.Steps, logger: logger,
		jobs: map[string]jobContext{}, wiredQueues: map[string]bool{},
	}
}

// RegisterFlow registers a Queue worker for every step of def (entry
// step included) and arms the queue-level bridge for each distinct
// queue name the flow uses.
func (b *Bridge) RegisterFlow(ctx context.Context, def *domain.FlowDef) error {
	if len(def.Steps) == 0 {
		return ErrNoEntryStep
	}
	for name, step := range def.Steps {
		b.registerStepWorker(def.Name, name, step)
		b.wireQueue(step.Queue)
	}
	return nil
}

func (b *Bridge) registerStepWorker(flowName, stepName string, step domain.StepDef) {
	handler := func(ctx context.Context, job ports.Job) (map[string]any, error) {
		b.rememberJob(job.ID, flowName, stepName, step.Emits)

		b.bus.Publish(ctx, domain.Event{
			Type: domain.EventStepStarted, RunID: runIDFromJobID(job.ID, stepName),
			FlowName: flowName, StepName: stepName, Attempt: job.AttemptsMade + 1,
		})

		executor, err := b.steps.Get(step.WorkerID)
		if err != nil {
			return nil, err
		}
		result, err := executor.Execute(ctx, job.Data)
		if err != nil {
			return nil, err
		}
		b.publishEmits(ctx, flowName, runIDFromJobID(job.ID, stepName), stepName, step.Emits, result)
		return result, nil
	}
	if err := b.queue.RegisterWorker(step.Queue, stepName, handler, ports.WorkerOptions{Concurrency: defaultConcurrency, Autorun: true}); err != nil {
		b.logger.Error("workerbridge: register worker", "flowName", flowName, "stepName", stepName, "error", err)
	}
}

// publishEmits emits one "emit" event per entry in step.Emits whose
// name is present in the executor's result, keyed the same way a
// subscriber looks it up (emitPayloadForToken): Data.name is the
// dot-path, Data.payload is the value, Data.stepName names the emitter
// for the awaitAfter-pending check.
func (b *Bridge) publishEmits(ctx context.Context, flowName, runID, stepName string, emits []string, result map[string]any) {
	for _, name := range emits {
		payload, ok := result[name]
		if !ok {
			continue
		}
		b.bus.Publish(ctx, domain.Event{
			Type: domain.EventEmit, RunID: runID, FlowName: flowName, StepName: stepName,
			Data: map[string]any{"name": name, "payload": payload, "stepName": stepName},
		})
	}
}

func (b *Bridge) wireQueue(queueName string) {
	b.mu.Lock()
	if b.wiredQueues[queueName] {
		b.mu.Unlock()
		return
	}
	b.wiredQueues[queueName] = true
	b.mu.Unlock()
	b.queue.On(queueName, b.onJobEvent)
}

// onJobEvent translates a Queue adapter's job lifecycle notification
// into the bus event the orchestrator reacts to: attempts
// still remaining is a retry ("stalled" in the Queue's vocabulary),
// attempts exhausted is the terminal step.failed, and success is
// step.completed. Recognizing the job at all depends on rememberJob
// having run first, which it always has: the Queue adapter invokes the
// registered worker handler (where rememberJob runs) before it ever
// emits a lifecycle event for that job.
func (b *Bridge) onJobEvent(event string, job ports.Job) {
	ctxInfo, ok := b.recallJob(job.ID)
	if !ok {
		b.logger.Warn("workerbridge: job event for unknown job", "jobId", job.ID, "event", event)
		return
	}
	runID := runIDFromJobID(job.ID, ctxInfo.stepName)
	ctx := context.Background()

	switch event {
	case "completed":
		b.forgetJob(job.ID)
		b.bus.Publish(ctx, domain.Event{
			Type: domain.EventStepCompleted, RunID: runID, FlowName: ctxInfo.flowName, StepName: ctxInfo.stepName,
			Attempt: job.AttemptsMade, Data: map[string]any{"result": job.Data},
		})
	case "failed":
		b.forgetJob(job.ID)
		b.bus.Publish(ctx, domain.Event{
			Type: domain.EventStepFailed, RunID: runID, FlowName: ctxInfo.flowName, StepName: ctxInfo.stepName,
			Attempt: job.AttemptsMade,
			Data:    map[string]any{"attemptsMade": job.AttemptsMade, "failedReason": job.FailedReason},
		})
	case "stalled":
		b.bus.Publish(ctx, domain.Event{
			Type: domain.EventStepRetry, RunID: runID, FlowName: ctxInfo.flowName, StepName: ctxInfo.stepName,
			Attempt: job.AttemptsMade,
			Data:    map[string]any{"attemptsMade": job.AttemptsMade, "failedReason": job.FailedReason},
		})
	}
}

func (b *Bridge) rememberJob(jobID, flowName, stepName string, emits []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = jobContext{flowName: flowName, stepName: stepName, emits: emits}
}

func (b *Bridge) recallJob(jobID string) (jobContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.jobs[jobID]
	return c, ok
}

func (b *Bridge) forgetJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
}

// runIDFromJobID recovers the runId from a deterministic jobId of the
// form "{runId}__{stepName}" or "{runId}__{stepName}__resumed".
func runIDFromJobID(jobID, stepName string) string {
	id := strings.TrimSuffix(jobID, "__resumed")
	return strings.TrimSuffix(id, "__"+stepName)
}

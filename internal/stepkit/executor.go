package stepkit

import (
	"context"
	"fmt"
)

// Executor runs one step's business logic. input is the job's data
// (the step's resolved subscription payloads, or the awaitBefore resume
// payload); the returned map becomes the job's result and, via the
// queue bridge, the step.completed event's data.
type Executor interface {
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// Registry resolves a StepDef.WorkerID to the Executor that handles it.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds a Registry with the builtin http/delay/transform
// executors already registered.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("transform", &TransformExecutor{})
	return r
}

// Register adds or replaces the executor for workerID.
func (r *Registry) Register(workerID string, executor Executor) {
	r.executors[workerID] = executor
}

// Get returns the executor registered for workerID.
func (r *Registry) Get(workerID string) (Executor, error) {
	executor, ok := r.executors[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkerID, workerID)
	}
	return executor, nil
}

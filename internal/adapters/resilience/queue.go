package resilience

import (
	"context"

	"github.com/shaiso/flowengine/internal/ports"
	"github.com/sony/gobreaker"
)

// Queue wraps a ports.Queue's state-changing calls (Enqueue, Schedule,
// Pause, Resume) with a circuit breaker; RegisterWorker/On/
// StartProcessingQueue/Close pass straight through since they're setup
// calls made once at startup, not steady-state traffic worth tripping
// a breaker over.
type Queue struct {
	inner ports.Queue
	cb    *gobreaker.CircuitBreaker
}

// NewQueue wraps inner with one breaker named name.
func NewQueue(inner ports.Queue, name string) *Queue {
	return &Queue{inner: inner, cb: gobreaker.NewCircuitBreaker(defaultSettings(name + ".queue"))}
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, spec ports.JobSpec) (string, error) {
	out, err := q.cb.Execute(func() (interface{}, error) { return q.inner.Enqueue(ctx, queueName, spec) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (q *Queue) Schedule(ctx context.Context, queueName string, spec ports.JobSpec, opts ports.ScheduleOptions) (string, error) {
	out, err := q.cb.Execute(func() (interface{}, error) { return q.inner.Schedule(ctx, queueName, spec, opts) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (ports.Job, error) {
	out, err := q.cb.Execute(func() (interface{}, error) { return q.inner.GetJob(ctx, queueName, jobID) })
	if err != nil {
		return ports.Job{}, err
	}
	return out.(ports.Job), nil
}

func (q *Queue) GetJobs(ctx context.Context, queueName string, states []ports.JobState) ([]ports.Job, error) {
	out, err := q.cb.Execute(func() (interface{}, error) { return q.inner.GetJobs(ctx, queueName, states) })
	if err != nil {
		return nil, err
	}
	return out.([]ports.Job), nil
}

func (q *Queue) GetJobCounts(ctx context.Context, queueName string) (ports.JobCounts, error) {
	out, err := q.cb.Execute(func() (interface{}, error) { return q.inner.GetJobCounts(ctx, queueName) })
	if err != nil {
		return ports.JobCounts{}, err
	}
	return out.(ports.JobCounts), nil
}

func (q *Queue) IsPaused(ctx context.Context, queueName string) (bool, error) {
	out, err := q.cb.Execute(func() (interface{}, error) { return q.inner.IsPaused(ctx, queueName) })
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (q *Queue) Pause(ctx context.Context, queueName string) error {
	_, err := q.cb.Execute(func() (interface{}, error) { return nil, q.inner.Pause(ctx, queueName) })
	return err
}

func (q *Queue) Resume(ctx context.Context, queueName string) error {
	_, err := q.cb.Execute(func() (interface{}, error) { return nil, q.inner.Resume(ctx, queueName) })
	return err
}

func (q *Queue) On(queueName string, handler ports.JobEventHandler) {
	q.inner.On(queueName, handler)
}

func (q *Queue) RegisterWorker(queueName, jobName string, handler ports.WorkerHandler, opts ports.WorkerOptions) error {
	return q.inner.RegisterWorker(queueName, jobName, handler, opts)
}

func (q *Queue) StartProcessingQueue(ctx context.Context, queueName string) error {
	return q.inner.StartProcessingQueue(ctx, queueName)
}

func (q *Queue) Close(ctx context.Context) error {
	return q.inner.Close(ctx)
}

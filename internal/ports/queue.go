package ports

import "context"

// JobState is one of the states a Queue job moves through.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
	JobPaused    JobState = "paused"
)

// BackoffPolicy parameterizes retry delay growth for a job's attempts.
type BackoffPolicy struct {
	Type  string // "fixed" or "exponential"
	Delay int64  // base delay in ms
}

// EnqueueOptions carries the options a job is enqueued with: JobID
// makes enqueue idempotent (re-enqueuing an existing JobID must return
// the same id without creating a second job — a hard adapter contract,
// not a best effort).
type EnqueueOptions struct {
	JobID    string
	Attempts int
	Backoff  *BackoffPolicy
	Delay    int64 // ms
	Priority int
	Timeout  int64 // ms, propagated as the step's execution deadline
}

// JobSpec is the payload handed to Queue.Enqueue.
type JobSpec struct {
	Name string
	Data map[string]any
	Opts EnqueueOptions
}

// ScheduleOptions selects how Queue.Schedule computes the job's first
// (and, for repeat, subsequent) execution times. Exactly one of Delay,
// Cron or Repeat should be set.
type ScheduleOptions struct {
	Delay  int64  // ms
	Cron   string
	Repeat int64 // ms interval
}

// Job is the adapter's view of one enqueued unit of work.
type Job struct {
	ID           string
	Name         string
	QueueName    string
	State        JobState
	Data         map[string]any
	AttemptsMade int
	FailedReason string
}

// JobCounts summarizes a queue's job population by state.
type JobCounts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Paused    int64
}

// JobEventHandler is invoked by the Queue adapter when a job in
// queueName transitions; event is one of "completed", "failed", "stalled".
type JobEventHandler func(event string, job Job)

// WorkerOptions configures a registered worker.
type WorkerOptions struct {
	Concurrency int
	Autorun     bool
}

// WorkerHandler executes one job and returns its result payload or an
// error; the Queue adapter is responsible for retry/backoff per the
// job's EnqueueOptions and for notifying On handlers with "completed",
// or with "failed" once attempts are exhausted (workerbridge turns
// these into step.completed/step.failed).
type WorkerHandler func(ctx context.Context, job Job) (map[string]any, error)

// Queue is the contract the orchestrator and scheduler use to enqueue
// step executions and timed callbacks. Concrete backends (in-memory,
// RabbitMQ, ...) live outside the core engine; the engine only ever
// holds this interface.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, spec JobSpec) (jobID string, err error)
	Schedule(ctx context.Context, queueName string, spec JobSpec, opts ScheduleOptions) (id string, err error)

	GetJob(ctx context.Context, queueName, jobID string) (Job, error)
	GetJobs(ctx context.Context, queueName string, states []JobState) ([]Job, error)
	GetJobCounts(ctx context.Context, queueName string) (JobCounts, error)

	IsPaused(ctx context.Context, queueName string) (bool, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error

	On(queueName string, handler JobEventHandler)

	RegisterWorker(queueName, jobName string, handler WorkerHandler, opts WorkerOptions) error
	StartProcessingQueue(ctx context.Context, queueName string) error

	Close(ctx context.Context) error
}

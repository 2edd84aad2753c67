package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/scheduler"
)

const defaultWorkerConcurrency = 4

type jobRecord struct {
	job  ports.Job
	opts ports.EnqueueOptions
}

type queueState struct {
	mu       sync.Mutex
	jobs     map[string]*jobRecord
	order    []string
	paused   bool
	started  bool
	workers  map[string]*registeredWorker
	handlers []ports.JobEventHandler
	sem      chan struct{}
}

type registeredWorker struct {
	jobName string
	handler ports.WorkerHandler
}

// Queue is an in-process ports.Queue: each named queue owns its own
// job table and a concurrency-limited worker pool, mirroring the
// single-consumer-per-queue shape of the RabbitMQ/Bull-style backends
// it stands in for.
type Queue struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue constructs an empty Queue.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{queues: map[string]*queueState{}, logger: logger, ctx: ctx, cancel: cancel}
}

func (q *Queue) state(name string) *queueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.queues[name]
	if !ok {
		s = &queueState{jobs: map[string]*jobRecord{}, workers: map[string]*registeredWorker{}, sem: make(chan struct{}, defaultWorkerConcurrency)}
		q.queues[name] = s
	}
	return s
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, spec ports.JobSpec) (string, error) {
	s := q.state(queueName)

	s.mu.Lock()
	id := spec.Opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		return existing.job.ID, nil
	}
	rec := &jobRecord{
		job:  ports.Job{ID: id, Name: spec.Name, QueueName: queueName, State: ports.JobWaiting, Data: spec.Data},
		opts: spec.Opts,
	}
	if spec.Opts.Delay > 0 {
		rec.job.State = ports.JobDelayed
	}
	s.jobs[id] = rec
	s.order = append(s.order, id)
	s.mu.Unlock()

	q.arm(queueName, id, time.Duration(spec.Opts.Delay)*time.Millisecond)
	return id, nil
}

func (q *Queue) Schedule(ctx context.Context, queueName string, spec ports.JobSpec, opts ports.ScheduleOptions) (string, error) {
	delay := opts.Delay
	if opts.Cron != "" {
		next, err := scheduler.CalculateNextCron(opts.Cron, "", time.Now())
		if err == nil {
			if d := time.Until(next); d > 0 {
				delay = d.Milliseconds()
			}
		}
	} else if opts.Repeat > 0 && delay == 0 {
		delay = opts.Repeat
	}
	spec.Opts.Delay = delay
	return q.Enqueue(ctx, queueName, spec)
}

func (q *Queue) arm(queueName, jobID string, delay time.Duration) {
	if delay <= 0 {
		q.dispatch(queueName, jobID)
		return
	}
	q.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.dispatch(queueName, jobID)
	})
}

// dispatch moves a waiting/delayed job into execution if the queue is
// started, unpaused and a worker is registered for its name.
func (q *Queue) dispatch(queueName, jobID string) {
	s := q.state(queueName)

	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok || (rec.job.State != ports.JobWaiting && rec.job.State != ports.JobDelayed) {
		s.mu.Unlock()
		return
	}
	worker := s.workers[rec.job.Name]
	if worker == nil || s.paused || !s.started {
		rec.job.State = ports.JobWaiting
		s.mu.Unlock()
		return
	}
	rec.job.State = ports.JobActive
	sem := s.sem
	s.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case sem <- struct{}{}:
		case <-q.ctx.Done():
			return
		}
		defer func() { <-sem }()
		q.runJob(queueName, jobID, worker)
	}()
}

func (q *Queue) runJob(queueName, jobID string, worker *registeredWorker) {
	s := q.state(queueName)
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	jobSnapshot := rec.job
	s.mu.Unlock()

	result, err := worker.handler(q.ctx, jobSnapshot)

	s.mu.Lock()
	rec, ok = s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err != nil {
		rec.job.AttemptsMade++
		rec.job.FailedReason = err.Error()
		maxAttempts := rec.opts.Attempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if rec.job.AttemptsMade < maxAttempts {
			rec.job.State = ports.JobDelayed
			s.mu.Unlock()
			q.emit(queueName, "stalled", rec.job)
			q.arm(queueName, jobID, backoffDelay(rec.opts.Backoff, rec.job.AttemptsMade))
			return
		}
		rec.job.State = ports.JobFailed
		finalJob := rec.job
		s.mu.Unlock()
		q.emit(queueName, "failed", finalJob)
		return
	}

	rec.job.State = ports.JobCompleted
	if result != nil {
		rec.job.Data = result
	}
	finalJob := rec.job
	s.mu.Unlock()
	q.emit(queueName, "completed", finalJob)
}

func backoffDelay(policy *ports.BackoffPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}
	base := time.Duration(policy.Delay) * time.Millisecond
	if policy.Type == "exponential" {
		for i := 1; i < attempt; i++ {
			base *= 2
		}
	}
	return base
}

func (q *Queue) emit(queueName string, event string, job ports.Job) {
	s := q.state(queueName)
	s.mu.Lock()
	handlers := append([]ports.JobEventHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(event, job)
	}
}

func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (ports.Job, error) {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ports.Job{}, nil
	}
	return rec.job, nil
}

func (q *Queue) GetJobs(ctx context.Context, queueName string, states []ports.JobState) ([]ports.Job, error) {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[ports.JobState]bool{}
	for _, st := range states {
		want[st] = true
	}
	out := make([]ports.Job, 0, len(s.order))
	for _, id := range s.order {
		rec, ok := s.jobs[id]
		if !ok {
			continue
		}
		if len(want) == 0 || want[rec.job.State] {
			out = append(out, rec.job)
		}
	}
	return out, nil
}

func (q *Queue) GetJobCounts(ctx context.Context, queueName string) (ports.JobCounts, error) {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts ports.JobCounts
	for _, rec := range s.jobs {
		switch rec.job.State {
		case ports.JobWaiting:
			counts.Waiting++
		case ports.JobActive:
			counts.Active++
		case ports.JobCompleted:
			counts.Completed++
		case ports.JobFailed:
			counts.Failed++
		case ports.JobDelayed:
			counts.Delayed++
		case ports.JobPaused:
			counts.Paused++
		}
	}
	return counts, nil
}

func (q *Queue) IsPaused(ctx context.Context, queueName string) (bool, error) {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, nil
}

func (q *Queue) Pause(ctx context.Context, queueName string) error {
	s := q.state(queueName)
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return nil
}

func (q *Queue) Resume(ctx context.Context, queueName string) error {
	s := q.state(queueName)
	s.mu.Lock()
	s.paused = false
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, id := range ids {
		q.dispatch(queueName, id)
	}
	return nil
}

func (q *Queue) On(queueName string, handler ports.JobEventHandler) {
	s := q.state(queueName)
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

func (q *Queue) RegisterWorker(queueName, jobName string, handler ports.WorkerHandler, opts ports.WorkerOptions) error {
	s := q.state(queueName)
	s.mu.Lock()
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultWorkerConcurrency
	}
	if cap(s.sem) < concurrency {
		s.sem = make(chan struct{}, concurrency)
	}
	s.workers[jobName] = &registeredWorker{jobName: jobName, handler: handler}
	autorun := opts.Autorun
	s.mu.Unlock()

	if autorun {
		return q.StartProcessingQueue(q.ctx, queueName)
	}
	return nil
}

func (q *Queue) StartProcessingQueue(ctx context.Context, queueName string) error {
	s := q.state(queueName)
	s.mu.Lock()
	s.started = true
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, id := range ids {
		q.dispatch(queueName, id)
	}
	return nil
}

func (q *Queue) Close(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

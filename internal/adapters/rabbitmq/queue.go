package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/flowengine/internal/ports"
)

// envelope is the wire format of one published job.
type envelope struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
	Opts ports.EnqueueOptions `json:"opts"`
}

type jobTracker struct {
	mu             sync.Mutex
	jobs           map[string]*ports.Job
	paused         bool
	handlers       []ports.JobEventHandler
	handlersByName map[string]ports.WorkerHandler
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: map[string]*ports.Job{}, handlersByName: map[string]ports.WorkerHandler{}}
}

// Queue is a ports.Queue backed by one durable AMQP queue per
// queueName, bound through the default exchange (routing key ==
// queue name). Job bookkeeping needed for introspection (GetJob,
// GetJobCounts) is kept locally since AMQP itself has no query API.
type Queue struct {
	conn   *Connection
	logger *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
	trackers map[string]*jobTracker
	consumers map[string]context.CancelFunc
}

// NewQueue wraps conn as a ports.Queue.
func NewQueue(conn *Connection, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		conn: conn, logger: logger,
		declared: map[string]bool{}, trackers: map[string]*jobTracker{}, consumers: map[string]context.CancelFunc{},
	}
}

func (q *Queue) tracker(queueName string) *jobTracker {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.trackers[queueName]
	if !ok {
		t = newJobTracker()
		q.trackers[queueName] = t
	}
	return t
}

func (q *Queue) ensureDeclared(queueName string) error {
	q.mu.Lock()
	if q.declared[queueName] {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	err := q.conn.WithChannel(context.Background(), func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", queueName, err)
	}
	q.mu.Lock()
	q.declared[queueName] = true
	q.mu.Unlock()
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, spec ports.JobSpec) (string, error) {
	if err := q.ensureDeclared(queueName); err != nil {
		return "", err
	}

	id := spec.Opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	t := q.tracker(queueName)
	t.mu.Lock()
	if existing, ok := t.jobs[id]; ok {
		t.mu.Unlock()
		return existing.ID, nil
	}
	job := &ports.Job{ID: id, Name: spec.Name, QueueName: queueName, State: ports.JobWaiting, Data: spec.Data}
	t.jobs[id] = job
	t.mu.Unlock()

	publish := func() error {
		body, err := json.Marshal(envelope{ID: id, Name: spec.Name, Data: spec.Data, Opts: spec.Opts})
		if err != nil {
			return fmt.Errorf("rabbitmq: marshal job: %w", err)
		}
		return q.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
			return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    id,
				Timestamp:    time.Now(),
				Body:         body,
			})
		})
	}

	if spec.Opts.Delay > 0 {
		// No native broker delay is wired here; the job is held
		// in-process and published once the delay elapses.
		time.AfterFunc(time.Duration(spec.Opts.Delay)*time.Millisecond, func() {
			if err := publish(); err != nil {
				q.logger.Error("rabbitmq: delayed publish failed", "queue", queueName, "jobId", id, "error", err)
			}
		})
		return id, nil
	}
	if err := publish(); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) Schedule(ctx context.Context, queueName string, spec ports.JobSpec, opts ports.ScheduleOptions) (string, error) {
	spec.Opts.Delay = opts.Delay
	return q.Enqueue(ctx, queueName, spec)
}

func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (ports.Job, error) {
	t := q.tracker(queueName)
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return ports.Job{}, nil
	}
	return *job, nil
}

func (q *Queue) GetJobs(ctx context.Context, queueName string, states []ports.JobState) ([]ports.Job, error) {
	t := q.tracker(queueName)
	t.mu.Lock()
	defer t.mu.Unlock()
	want := map[ports.JobState]bool{}
	for _, s := range states {
		want[s] = true
	}
	out := make([]ports.Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		if len(want) == 0 || want[job.State] {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (q *Queue) GetJobCounts(ctx context.Context, queueName string) (ports.JobCounts, error) {
	t := q.tracker(queueName)
	t.mu.Lock()
	defer t.mu.Unlock()
	var counts ports.JobCounts
	for _, job := range t.jobs {
		switch job.State {
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
	t := q.tracker(queueName)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused, nil
}

func (q *Queue) Pause(ctx context.Context, queueName string) error {
	q.mu.Lock()
	cancel, ok := q.consumers[queueName]
	q.mu.Unlock()
	if ok {
		cancel()
	}
	t := q.tracker(queueName)
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	return nil
}

func (q *Queue) Resume(ctx context.Context, queueName string) error {
	t := q.tracker(queueName)
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	return nil
}

func (q *Queue) On(queueName string, handler ports.JobEventHandler) {
	t := q.tracker(queueName)
	t.mu.Lock()
	t.handlers = append(t.handlers, handler)
	t.mu.Unlock()
}

func (q *Queue) emit(queueName, event string, job ports.Job) {
	t := q.tracker(queueName)
	t.mu.Lock()
	handlers := append([]ports.JobEventHandler(nil), t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(event, job)
	}
}

// RegisterWorker declares the queue and starts consuming jobName
// envelopes from it, invoking handler and acking/nacking per its
// result; Attempts/Backoff drive requeue-with-delay on failure.
func (q *Queue) RegisterWorker(queueName, jobName string, handler ports.WorkerHandler, opts ports.WorkerOptions) error {
	if err := q.ensureDeclared(queueName); err != nil {
		return err
	}
	t := q.tracker(queueName)
	t.mu.Lock()
	t.handlersByName[jobName] = handler
	t.mu.Unlock()

	if !opts.Autorun {
		return nil
	}
	return q.StartProcessingQueue(context.Background(), queueName)
}

func (q *Queue) StartProcessingQueue(ctx context.Context, queueName string) error {
	q.mu.Lock()
	if _, running := q.consumers[queueName]; running {
		q.mu.Unlock()
		return nil
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	q.consumers[queueName] = cancel
	q.mu.Unlock()

	var deliveries <-chan amqp.Delivery
	err := q.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.Qos(1, 0, false); err != nil {
			return err
		}
		d, err := ch.Consume(queueName, "", false, false, false, false, nil)
		if err != nil {
			return err
		}
		deliveries = d
		return nil
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", queueName, err)
	}

	go func() {
		for {
			select {
			case <-consumeCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				q.handleDelivery(consumeCtx, queueName, d)
			}
		}
	}()
	return nil
}

func (q *Queue) handleDelivery(ctx context.Context, queueName string, d amqp.Delivery) {
	var env envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		q.logger.Error("rabbitmq: malformed job envelope", "queue", queueName, "error", err)
		d.Nack(false, false)
		return
	}

	t := q.tracker(queueName)
	handler := t.handlerFor(env.Name)
	if handler == nil {
		d.Nack(false, true)
		return
	}

	t.mu.Lock()
	job, ok := t.jobs[env.ID]
	if !ok {
		job = &ports.Job{ID: env.ID, Name: env.Name, QueueName: queueName, Data: env.Data}
		t.jobs[env.ID] = job
	}
	job.State = ports.JobActive
	t.mu.Unlock()

	result, err := handler(ctx, *job)

	t.mu.Lock()
	if err != nil {
		job.AttemptsMade++
		job.FailedReason = err.Error()
		max := env.Opts.Attempts
		if max <= 0 {
			max = 1
		}
		if job.AttemptsMade < max {
			job.State = ports.JobDelayed
			t.mu.Unlock()
			q.emit(queueName, "stalled", *job)
			d.Ack(false)
			delay := backoffDelay(env.Opts.Backoff, job.AttemptsMade)
			// Republish the envelope directly: Enqueue treats the
			// still-tracked job id as a duplicate and would drop it.
			time.AfterFunc(delay, func() {
				body, err := json.Marshal(env)
				if err == nil {
					err = q.conn.WithChannel(context.Background(), func(ch *amqp.Channel) error {
						return ch.PublishWithContext(context.Background(), "", queueName, false, false, amqp.Publishing{
							ContentType: "application/json", DeliveryMode: amqp.Persistent, MessageId: env.ID, Timestamp: time.Now(), Body: body,
						})
					})
				}
				if err != nil {
					q.logger.Error("rabbitmq: retry publish failed", "queue", queueName, "jobId", env.ID, "error", err)
				}
			})
			return
		}
		job.State = ports.JobFailed
		finalJob := *job
		t.mu.Unlock()
		d.Ack(false)
		q.emit(queueName, "failed", finalJob)
		return
	}

	job.State = ports.JobCompleted
	if result != nil {
		job.Data = result
	}
	finalJob := *job
	t.mu.Unlock()
	d.Ack(false)
	q.emit(queueName, "completed", finalJob)
}

func (t *jobTracker) handlerFor(jobName string) ports.WorkerHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlersByName[jobName]
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

func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	for _, cancel := range q.consumers {
		cancel()
	}
	q.mu.Unlock()
	return q.conn.Close()
}

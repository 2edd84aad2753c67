package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/adapters/memory"
	"github.com/shaiso/flowengine/internal/domain"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store := memory.NewStore()
	s := New(Config{Store: store, InstanceID: "instance-a"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestScheduleOneTimeJobFiresOnce(t *testing.T) {
	s := newTestScheduler(t)

	fired := make(chan struct{}, 1)
	job := domain.ScheduledJob{
		ID:        "one-shot-1",
		Type:      domain.JobOneTime,
		ExecuteAt: time.Now().Add(20 * time.Millisecond).UnixMilli(),
		Enabled:   true,
		Handler:   func() error { fired <- struct{}{}; return nil },
	}
	if _, err := s.Schedule(context.Background(), job); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-time job did not fire")
	}

	// A one-time job removes itself from both the in-memory and
	// persisted sets once it fires.
	time.Sleep(20 * time.Millisecond)
	if jobs := s.GetScheduledJobs(); len(jobs) != 0 {
		t.Fatalf("expected no jobs left armed, got %d", len(jobs))
	}
}

func TestScheduleIntervalJobRearms(t *testing.T) {
	s := newTestScheduler(t)

	var mu sync.Mutex
	count := 0
	fired := make(chan struct{}, 10)
	job := domain.ScheduledJob{
		ID:       "interval-1",
		Type:     domain.JobInterval,
		Interval: 15 * time.Millisecond,
		Enabled:  true,
		Handler: func() error {
			mu.Lock()
			count++
			mu.Unlock()
			fired <- struct{}{}
			return nil
		},
	}
	if _, err := s.Schedule(context.Background(), job); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("interval job did not fire a %d-th time", i+1)
		}
	}

	jobs := s.GetScheduledJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected the interval job to stay armed, got %d jobs", len(jobs))
	}
}

func TestScheduleRejectsDisabledJob(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.Schedule(context.Background(), domain.ScheduledJob{ID: "disabled-1", Type: domain.JobOneTime, Enabled: false})
	if err != ErrJobDisabled {
		t.Fatalf("expected ErrJobDisabled, got %v", err)
	}
}

func TestUnscheduleRemovesJobAndReleasesLock(t *testing.T) {
	s := newTestScheduler(t)
	job := domain.ScheduledJob{
		ID:        "one-shot-2",
		Type:      domain.JobOneTime,
		ExecuteAt: time.Now().Add(time.Hour).UnixMilli(),
		Enabled:   true,
		Handler:   func() error { return nil },
	}
	if _, err := s.Schedule(context.Background(), job); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Unschedule(context.Background(), "one-shot-2") {
		t.Fatal("expected Unschedule to report the job was known")
	}
	if s.Unschedule(context.Background(), "one-shot-2") {
		t.Fatal("expected a second Unschedule to report the job was not known")
	}
	if jobs := s.GetScheduledJobs(); len(jobs) != 0 {
		t.Fatalf("expected no jobs left armed, got %d", len(jobs))
	}
}

func TestGetJobsByPatternMatchesRunScopedJobs(t *testing.T) {
	s := newTestScheduler(t)
	for _, id := range []string{"await:run-1:step-a:after", "await:run-1:step-b:before", "await:run-2:step-a:after"} {
		job := domain.ScheduledJob{ID: id, Type: domain.JobOneTime, ExecuteAt: time.Now().Add(time.Hour).UnixMilli(), Enabled: true, Handler: func() error { return nil }}
		if _, err := s.Schedule(context.Background(), job); err != nil {
			t.Fatalf("schedule %s: %v", id, err)
		}
	}

	matches := s.GetJobsByPattern("run-1")
	if len(matches) != 2 {
		t.Fatalf("expected 2 jobs matching run-1, got %d", len(matches))
	}
}

func TestRecoverDispatchesToRegisteredRebuilder(t *testing.T) {
	store := memory.NewStore()
	s := New(Config{Store: store, InstanceID: "instance-a"})

	fired := make(chan struct{}, 1)
	s.RegisterRebuilder(func(job domain.ScheduledJob) (domain.JobHandler, bool) {
		if job.Metadata.Component != "await-pattern" {
			return nil, false
		}
		return func() error { fired <- struct{}{}; return nil }, true
	})

	persisted := domain.ScheduledJob{
		ID:        "await:run-1:step-a:after",
		Type:      domain.JobOneTime,
		ExecuteAt: time.Now().Add(20 * time.Millisecond).UnixMilli(),
		Enabled:   true,
		Metadata:  domain.JobMetadata{Component: "await-pattern"},
	}
	if err := s.persistJob(context.Background(), persisted); err != nil {
		t.Fatalf("persistJob: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("recovered job never fired")
	}
}

func TestRecoverSkipsJobWithNoMatchingRebuilder(t *testing.T) {
	store := memory.NewStore()
	s := New(Config{Store: store, InstanceID: "instance-a"})

	persisted := domain.ScheduledJob{
		ID:        "unknown:job-1",
		Type:      domain.JobOneTime,
		ExecuteAt: time.Now().Add(time.Hour).UnixMilli(),
		Enabled:   true,
		Metadata:  domain.JobMetadata{Component: "nonexistent"},
	}
	if err := s.persistJob(context.Background(), persisted); err != nil {
		t.Fatalf("persistJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	if jobs := s.GetScheduledJobs(); len(jobs) != 0 {
		t.Fatalf("expected the unrebuildable job to stay unscheduled, got %d jobs", len(jobs))
	}
}

func TestRecoverExecutesOverdueAwaitJobImmediately(t *testing.T) {
	store := memory.NewStore()
	s := New(Config{Store: store, InstanceID: "instance-a"})

	fired := make(chan struct{}, 1)
	s.RegisterRebuilder(func(job domain.ScheduledJob) (domain.JobHandler, bool) {
		if job.Metadata.Component != "await-pattern" {
			return nil, false
		}
		return func() error { fired <- struct{}{}; return nil }, true
	})

	overdue := domain.ScheduledJob{
		ID:        "await:run-2:step-a:after",
		Type:      domain.JobOneTime,
		ExecuteAt: time.Now().Add(-time.Hour).UnixMilli(),
		Enabled:   true,
		Metadata:  domain.JobMetadata{Component: "await-pattern"},
	}
	if err := s.persistJob(context.Background(), overdue); err != nil {
		t.Fatalf("persistJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("overdue await job was not executed immediately on recovery")
	}
}

func TestCalculateNextCronAdvancesToNextMinute(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	next, err := CalculateNextCron("* * * * *", "UTC", from)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !next.After(from) {
		t.Fatalf("expected next occurrence after %v, got %v", from, next)
	}
	if next.Second() != 0 {
		t.Fatalf("expected a cron occurrence to land on second 0, got %v", next)
	}
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/telemetry"
)

const (
	jobsIndexKey = "scheduler:jobs"
	jobKVPrefix  = "scheduler:jobs:"
	statsPrefix  = "scheduler:stats:"

	recoveryScanLimit = 10000
)

// LockMode selects the distributed-locking strategy.
type LockMode string

const (
	LockModeIndex LockMode = "index"
	LockModeKV    LockMode = "kv"
)

// Rebuilder reconstructs a domain.JobHandler from a persisted job's
// metadata after a restart. Components that schedule jobs
// (await, trigger wiring, the orchestrator's stall timer) register one
// rebuilder each; a metadata shape none of them claim is left
// unscheduled rather than guessed at.
type Rebuilder func(job domain.ScheduledJob) (domain.JobHandler, bool)

// Config wires a Scheduler to its Store, event bus publish path and
// operating parameters.
type Config struct {
	Store      ports.Store
	InstanceID string
	LockMode   LockMode // defaults to LockModeIndex
	Logger     *slog.Logger
}

// Scheduler runs durable one-shot, cron and interval jobs with
// distributed locking and startup recovery.
type Scheduler struct {
	store      ports.Store
	instanceID string
	locker     Locker
	logger     *slog.Logger

	mu         sync.Mutex
	entries    map[string]*scheduledEntry
	rebuilders []Rebuilder
	started    bool
	stopCh     chan struct{}
}

type scheduledEntry struct {
	job       domain.ScheduledJob
	timer     *time.Timer
	renewStop chan struct{}
}

// New constructs a Scheduler. Start runs recovery of persisted jobs;
// Schedule arms a timer whether or not Start has been called.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.LockMode
	if mode == "" {
		mode = LockModeIndex
	}
	s := &Scheduler{
		store:      cfg.Store,
		instanceID: cfg.InstanceID,
		logger:     logger,
		entries:    map[string]*scheduledEntry{},
	}
	if mode == LockModeKV {
		s.locker = newKVLocker(cfg.Store, cfg.InstanceID)
	} else {
		s.locker = newIndexLocker(cfg.Store, cfg.InstanceID)
	}
	return s
}

// RegisterRebuilder adds a rebuilder consulted during Start recovery.
// Must be called before Start.
func (s *Scheduler) RegisterRebuilder(r Rebuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilders = append(s.rebuilders, r)
}

// Schedule persists job and arms its in-memory timer.
func (s *Scheduler) Schedule(ctx context.Context, job domain.ScheduledJob) (string, error) {
	if !job.Enabled {
		return "", ErrJobDisabled
	}
	if err := s.persistJob(ctx, job); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm(ctx, job)
	return job.ID, nil
}

// Unschedule stops job's timer, releases any lock it holds, and
// removes its persisted record. Returns false if job was not known.
func (s *Scheduler) Unschedule(ctx context.Context, id string) bool {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		s.disarm(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	_ = s.locker.Release(ctx, id)
	_ = s.store.Index().Delete(ctx, jobsIndexKey, id)
	_ = s.store.KV().Delete(ctx, jobKVPrefix+id)
	_ = s.store.KV().Delete(ctx, statsPrefix+id)
	return true
}

// Start marks the scheduler started (see IsHealthy) and runs recovery
// of persisted jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.started = true
	s.mu.Unlock()

	s.recover(ctx)
	return nil
}

// Stop clears every in-memory timer and releases every lock this
// instance owns.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	for id, entry := range s.entries {
		s.disarm(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	return s.locker.ReleaseAllOwned(ctx)
}

// IsHealthy reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// GetScheduledJobs returns every job currently armed in this instance's
// memory (not the global persisted set — see GetAllPersistedJobs).
func (s *Scheduler) GetScheduledJobs() []domain.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]domain.ScheduledJob, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// GetJobsByPattern returns scheduled jobs whose id contains substr —
// used by flow.cancel to find every job belonging to a run.
func (s *Scheduler) GetJobsByPattern(substr string) []domain.ScheduledJob {
	var matches []domain.ScheduledJob
	for _, job := range s.GetScheduledJobs() {
		if strings.Contains(job.ID, substr) {
			matches = append(matches, job)
		}
	}
	return matches
}

// GetAllPersistedJobs reads every job from the durable index, up to
// recoveryScanLimit entries.
func (s *Scheduler) GetAllPersistedJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	entries, err := s.store.Index().Read(ctx, jobsIndexKey, 0, recoveryScanLimit)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.ScheduledJob, 0, len(entries))
	for _, e := range entries {
		job, ok := jobFromMetadata(e.ID, e.Metadata)
		if ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *Scheduler) persistJob(ctx context.Context, job domain.ScheduledJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: marshal job %s: %w", job.ID, err)
	}
	if err := s.store.KV().Set(ctx, jobKVPrefix+job.ID, raw, 0); err != nil {
		return err
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return err
	}
	delete(meta, "handler")
	err = s.store.Index().Add(ctx, jobsIndexKey, job.ID, float64(time.Now().UnixMilli()), meta)
	if errors.Is(err, domain.ErrIndexEntryExists) {
		// Re-scheduling an existing id (a trigger whose schedule
		// changed) replaces the persisted record.
		if err := s.store.Index().Delete(ctx, jobsIndexKey, job.ID); err != nil {
			return err
		}
		err = s.store.Index().Add(ctx, jobsIndexKey, job.ID, float64(time.Now().UnixMilli()), meta)
	}
	return err
}

func jobFromMetadata(id string, meta map[string]any) (domain.ScheduledJob, bool) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return domain.ScheduledJob{}, false
	}
	var job domain.ScheduledJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.ScheduledJob{}, false
	}
	job.ID = id
	return job, true
}

// arm computes job's next fire time and starts its in-memory timer,
// replacing (and stopping) any prior timer for the same id. Callers
// hold s.mu.
func (s *Scheduler) arm(ctx context.Context, job domain.ScheduledJob) {
	if prev, ok := s.entries[job.ID]; ok {
		s.disarm(prev)
	}
	delay := s.delayUntilNext(job)
	entry := &scheduledEntry{job: job}
	entry.timer = time.AfterFunc(delay, func() { s.fire(ctx, job.ID) })
	s.entries[job.ID] = entry
}

func (s *Scheduler) disarm(entry *scheduledEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.renewStop != nil {
		close(entry.renewStop)
	}
}

func (s *Scheduler) delayUntilNext(job domain.ScheduledJob) time.Duration {
	now := time.Now()
	switch job.Type {
	case domain.JobOneTime:
		d := time.UnixMilli(job.ExecuteAt).Sub(now)
		if d < 0 {
			return 0
		}
		return d
	case domain.JobInterval:
		return job.Interval
	case domain.JobCron:
		next, err := CalculateNextCron(job.CronExpr, job.Timezone, now)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression", "jobId", job.ID, "error", err)
			return time.Hour
		}
		return next.Sub(now)
	default:
		return time.Hour
	}
}

// fire is the timer callback: it attempts executeWithLock, then, for
// recurring jobs, re-arms the next occurrence.
func (s *Scheduler) fire(ctx context.Context, jobID string) {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.executeWithLock(ctx, entry.job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, stillArmed := s.entries[jobID]; !stillArmed {
		return
	}
	if entry.job.Type == domain.JobOneTime {
		delete(s.entries, jobID)
		_ = s.store.Index().Delete(ctx, jobsIndexKey, jobID)
		_ = s.store.KV().Delete(ctx, jobKVPrefix+jobID)
		return
	}
	s.arm(ctx, entry.job)
}

// executeWithLock acquires the job's lock, starts a renewal timer,
// runs the handler, then releases.
func (s *Scheduler) executeWithLock(ctx context.Context, job domain.ScheduledJob) {
	lockWaitStart := time.Now()
	acquired, err := s.locker.Acquire(ctx, job.ID, domain.DefaultLockTTL)
	telemetry.Metrics.SchedulerLockWait.Observe(time.Since(lockWaitStart).Seconds())
	if err != nil {
		s.logger.Error("scheduler: lock acquire failed", "jobId", job.ID, "error", err)
		return
	}
	if !acquired {
		return
	}

	renewStop := make(chan struct{})
	renewTicker := time.NewTicker(domain.DefaultLockTTL / 2)
	go func() {
		defer renewTicker.Stop()
		for {
			select {
			case <-renewStop:
				return
			case <-renewTicker.C:
				if err := s.locker.Renew(ctx, job.ID, domain.DefaultLockTTL); err != nil {
					s.logger.Warn("scheduler: lock renewal failed", "jobId", job.ID, "error", err)
				}
			}
		}
	}()

	defer func() {
		close(renewStop)
		if err := s.locker.Release(ctx, job.ID); err != nil {
			s.logger.Warn("scheduler: lock release failed", "jobId", job.ID, "error", err)
		}
	}()

	s.executeJob(ctx, job)
}

func (s *Scheduler) executeJob(ctx context.Context, job domain.ScheduledJob) {
	if job.Handler == nil {
		s.logger.Error("scheduler: job has no handler, skipping", "jobId", job.ID)
		return
	}

	now := time.Now()
	err := job.Handler()

	s.mu.Lock()
	entry, ok := s.entries[job.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.job.LastRun = now.UnixMilli()
	entry.job.RunCount++
	if err != nil {
		entry.job.FailCount++
		entry.job.LastError = err.Error()
		s.logger.Error("scheduler: job handler failed", "jobId", job.ID, "error", err)
	} else {
		switch job.Type {
		case domain.JobCron:
			if next, cronErr := CalculateNextCron(job.CronExpr, job.Timezone, now); cronErr == nil {
				entry.job.NextRun = next.UnixMilli()
			}
		case domain.JobInterval:
			entry.job.NextRun = CalculateNextInterval(job.Interval, now).UnixMilli()
		}
	}
	if statsRaw, marshalErr := json.Marshal(entry.job); marshalErr == nil {
		_ = s.store.KV().Set(ctx, statsPrefix+job.ID, statsRaw, 0)
	}
}

// recover reads the persisted job index on Start and reconstructs each
// job's handler from a registered rebuilder.
func (s *Scheduler) recover(ctx context.Context) {
	persisted, err := s.GetAllPersistedJobs(ctx)
	if err != nil {
		s.logger.Error("scheduler: recovery scan failed", "error", err)
		return
	}

	for _, job := range persisted {
		s.recoverJob(ctx, job)
	}
}

func (s *Scheduler) recoverJob(ctx context.Context, job domain.ScheduledJob) {
	s.mu.Lock()
	_, alreadyScheduled := s.entries[job.ID]
	s.mu.Unlock()
	if alreadyScheduled || !job.Enabled {
		return
	}

	var handler domain.JobHandler
	for _, rebuild := range s.rebuilders {
		if h, ok := rebuild(job); ok {
			handler = h
			break
		}
	}
	if handler == nil {
		s.logger.Debug("scheduler: no rebuilder for job, skipping", "jobId", job.ID, "metadataType", job.Metadata.Type, "component", job.Metadata.Component)
		return
	}
	job.Handler = handler

	if job.Type == domain.JobOneTime && job.ExecuteAt < time.Now().UnixMilli() {
		if job.Metadata.Component == "await-pattern" {
			s.logger.Info("scheduler: executing overdue await job immediately on recovery", "jobId", job.ID)
			go func() {
				s.executeJob(ctx, job)
				_ = s.store.Index().Delete(ctx, jobsIndexKey, job.ID)
				_ = s.store.KV().Delete(ctx, jobKVPrefix+job.ID)
			}()
		}
		return
	}

	s.mu.Lock()
	s.arm(ctx, job)
	s.mu.Unlock()
}

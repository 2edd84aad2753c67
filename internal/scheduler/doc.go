// Package scheduler runs durable one-shot, cron and interval jobs. It
// owns no execution logic of its own beyond invoking a
// job's domain.JobHandler under a distributed lock: callers (the
// orchestrator, the await subsystem, the trigger wiring) register jobs
// whose handlers close over whatever they need to publish back to the
// bus.
//
// Horizontally scaled deployments share one logical scheduler through
// a common Store: every fire attempt first acquires a lease-style lock
// keyed by job id (Index mode by default, KV mode when Config.LockMode
// is LockModeKV — see lock.go for the KV-mode race). This is
// lease locking, not leader
// election: any instance may run any job, serialized only by the lock.
//
// On Start the scheduler walks the
// persisted job index and reconstructs each job's handler from its
// JobMetadata — handler closures cannot survive a
// restart, so metadata.type/metadata.component select a rebuilder from
// a small fixed registry; a job whose kind has no rebuilder is left
// unscheduled rather than guessed at.
package scheduler

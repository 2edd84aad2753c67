package scheduler

import "errors"

var (
	// ErrNotStarted reports a scheduler that has not been started.
	// Schedule and Unschedule do not return it: both work before Start
	// and after Stop.
	ErrNotStarted = errors.New("scheduler: not started")

	// ErrLockNotAcquired is returned internally by executeWithLock when
	// another instance currently holds the job's lock; callers treat it
	// as "skip this tick", not as a failure.
	ErrLockNotAcquired = errors.New("scheduler: lock not acquired")

	// ErrJobDisabled is returned by Schedule for a job whose Enabled
	// field is false.
	ErrJobDisabled = errors.New("scheduler: job is disabled")
)

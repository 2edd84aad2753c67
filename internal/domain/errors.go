package domain

import "errors"

var (
	// ErrRunNotFound is returned by a Store-backed run lookup when no
	// index entry exists for the given runId.
	ErrRunNotFound = errors.New("domain: run not found")

	// ErrRunTerminal signals a logical race: an attempt to mutate a run
	// whose status is already terminal. Callers short-circuit and log
	// at debug rather than treat it as failure.
	ErrRunTerminal = errors.New("domain: run already in terminal status")

	// ErrFlowNotFound is returned when a flow name has no registered
	// definition.
	ErrFlowNotFound = errors.New("domain: flow not found")

	// ErrStepNotFound is returned when a step name is absent from a
	// flow definition.
	ErrStepNotFound = errors.New("domain: step not found")

	// ErrTriggerNotFound is returned by trigger-runtime lookups.
	ErrTriggerNotFound = errors.New("domain: trigger not found")

	// ErrJobNotFound is returned by scheduler lookups for an unknown id.
	ErrJobNotFound = errors.New("domain: scheduled job not found")

	// ErrNoRebuilder is returned during scheduler recovery when a
	// persisted job's metadata does not match any known rebuilder:
	// refuse to schedule a job whose kind cannot be rebuilt.
	ErrNoRebuilder = errors.New("domain: no rebuilder for job metadata")

	// ErrLockNotHeld is returned by lock release/renew when the caller
	// is not (or is no longer) the recorded owner.
	ErrLockNotHeld = errors.New("domain: lock not held by this instance")

	// ErrVersionConflict is returned by an optimistic-concurrency index
	// update whose expected version does not match the stored version.
	ErrVersionConflict = errors.New("domain: index version conflict")

	// ErrIndexEntryExists is returned by Index.Add when the id is
	// already present: Add is add-if-absent, which is what makes the
	// index-mode distributed lock's acquire atomic.
	ErrIndexEntryExists = errors.New("domain: index entry already exists")
)

package stepkit

import "errors"

var (
	// ErrUnknownWorkerID is returned by Registry.Get for a StepDef.WorkerID
	// with no registered Executor.
	ErrUnknownWorkerID = errors.New("stepkit: unknown worker id")

	// ErrHTTPRequest wraps infrastructure failures building or sending
	// the HTTP request itself, as opposed to a >=400 response (which is
	// a logical failure recorded in the result, not an error).
	ErrHTTPRequest = errors.New("stepkit: http request failed")
)

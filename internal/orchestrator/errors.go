package orchestrator

import "errors"

// ErrFlowNotRegistered is returned when an operation names a flow the
// Registry has no analyzed definition for.
var ErrFlowNotRegistered = errors.New("orchestrator: flow not registered")

package workerbridge

import "errors"

// ErrNoEntryStep is returned by RegisterFlow for a flow definition with
// no entry step and no other steps either, which would register no
// workers at all.
var ErrNoEntryStep = errors.New("workerbridge: flow has no steps to register")

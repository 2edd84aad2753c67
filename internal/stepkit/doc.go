// Package stepkit executes the leaf business logic of a step once the
// orchestrator enqueues it: http requests, timed delays, and payload
// pass-through transforms. It is grounded on the teacher module's
// internal/worker executor set, adapted from a Task-shaped argument to
// the plain map[string]any a ports.WorkerHandler receives.
//
// A step's StepDef.WorkerID selects which Executor runs it; Registry
// holds the builtin set ("http", "delay", "transform") and lets a host
// register custom ones.
package stepkit

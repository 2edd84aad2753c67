// Package orchestrator is the flow orchestrator: the central component
// that turns a stream of ingress events into durable run state and the
// next round of step enqueues.
//
// For every event carrying a RunID it runs three pipeline stages in
// order:
//
//  1. Persistence (ingress only) — append to flowRun(runId), then
//     republish the persisted copy (with ID/Ts set) to the bus.
//  2. Orchestration (persisted only) — runs on the persisted copy once
//     the append has succeeded; mutates the run index and emits
//     further events (enqueues, terminal transitions).
//  3. Stats (persisted only) — patch per-flow counters and publish
//     flow.stats.updated.
//
// Events for one run are processed by a single goroutine fed through a
// per-run channel, so same-run events observe program order; different
// runs proceed independently and in parallel. A run's channel is torn
// down 60s after its last event.
package orchestrator

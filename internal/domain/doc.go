// Package domain holds the data model shared by every core component:
// flow definitions, run state, await state, persisted events, triggers,
// scheduled jobs and distributed locks.
//
// Nothing in this package talks to an adapter. It only describes shapes
// and small invariant-preserving helpers (status transitions, dot-path
// merges for the run index). Components in internal/orchestrator,
// internal/await, internal/trigger and internal/scheduler build their
// behavior on top of these types.
package domain

// Package trigger implements the trigger runtime and its bus wiring:
// an in-memory registry of triggers and their flow
// subscriptions, and the three-stage (persistence/orchestration/stats)
// handling of trigger.* events, including starting flow runs when a
// trigger fires.
package trigger

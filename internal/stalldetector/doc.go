// Package stalldetector implements the stall detector: the watchdog
// that marks a run stalled when its outer deadline elapses without
// reaching a terminal status, and the startup recovery sweep that
// repairs running/awaiting run state left inconsistent by a crash.
//
// The detector never competes with the orchestrator's own run-index
// writes: it is the only writer of the "stalled" transition, guarded by
// the same read-current-status-before-writing discipline as every
// other orchestration path.
package stalldetector

package domain

import "fmt"

// FlowRunSubject names the per-run event stream.
func FlowRunSubject(runID string) string {
	return fmt.Sprintf("flowRun:%s", runID)
}

// FlowRunIndexKey names the sorted index of runs for one flow, keyed by
// runId.
func FlowRunIndexKey(flowName string) string {
	return fmt.Sprintf("flowRunIndex:%s", flowName)
}

// FlowIndexKey is the single sorted index of flows with aggregate
// stats, keyed by flow name.
const FlowIndexKey = "flowIndex"

// StallJobID names the scheduler job that enforces one run's outer
// deadline.
func StallJobID(runID string) string {
	return "stall-timeout:" + runID
}

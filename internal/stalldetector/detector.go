package stalldetector

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

const recoveryScanLimit = 10000

// FlowNamer supplies the set of registered flow names the recovery
// sweep scans; orchestrator.Registry satisfies this with Names().
type FlowNamer interface {
	Names() []string
}

// Detector handles per-flow deadline firing and the startup recovery
// sweep.
type Detector struct {
	store  ports.Store
	bus    *bus.Bus
	flows  FlowNamer
	logger *slog.Logger
}

// New constructs a Detector.
func New(store ports.Store, b *bus.Bus, flows FlowNamer, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, bus: b, flows: flows, logger: logger}
}

// HandleDeadline is invoked when a run's stall-timeout scheduler job
// fires. Wire it as orchestrator.Config.StallFired.
func (d *Detector) HandleDeadline(ctx context.Context, runID, flowName string) {
	entry, ok, err := d.store.Index().Get(ctx, domain.FlowRunIndexKey(flowName), runID)
	if err != nil {
		d.logger.Error("stalldetector: read run for deadline", "runId", runID, "error", err)
		return
	}
	if !ok {
		return
	}
	run, err := domain.RunFromMetadata(entry.Metadata)
	if err != nil || (run.Status != domain.RunRunning && run.Status != domain.RunAwaiting) {
		return
	}
	previous := run.Status

	var marked bool
	err = d.store.Index().UpdateWithRetry(ctx, domain.FlowRunIndexKey(flowName), runID, 3, func(current map[string]any) map[string]any {
		r, err := domain.RunFromMetadata(current)
		if err != nil || r.Status.IsTerminal() {
			return map[string]any{}
		}
		r.PreviousStatus = r.Status
		r.Status = domain.RunStalled
		r.StallReason = "Stall timeout elapsed"
		r.CompletedAt = time.Now().UnixMilli()
		r.Version++
		marked = true
		meta, merr := r.ToMetadata()
		if merr != nil {
			return map[string]any{}
		}
		return meta
	})
	if err != nil {
		d.logger.Error("stalldetector: mark run stalled", "runId", runID, "error", err)
		return
	}
	if !marked {
		return
	}

	d.bus.Publish(ctx, domain.Event{
		Type:     domain.EventFlowStalled,
		RunID:    runID,
		FlowName: flowName,
		Data:     map[string]any{"previousStatus": string(previous), "reason": "Stall timeout elapsed"},
	})
}

// Recover scans every registered flow's run index at startup and
// repairs running/awaiting state left inconsistent by a crash, then
// reconciles the flow-stats index's running/awaiting counters against
// what was actually observed.
func (d *Detector) Recover(ctx context.Context) {
	now := time.Now().UnixMilli()
	for _, flowName := range d.flows.Names() {
		running, awaiting := d.recoverFlow(ctx, flowName, now)
		d.reconcileStats(ctx, flowName, running, awaiting)
	}
	d.pruneUnknownFlowStats(ctx)
}

func (d *Detector) recoverFlow(ctx context.Context, flowName string, now int64) (running, awaiting int64) {
	entries, err := d.store.Index().Read(ctx, domain.FlowRunIndexKey(flowName), 0, recoveryScanLimit)
	if err != nil {
		d.logger.Error("stalldetector: recovery scan failed", "flowName", flowName, "error", err)
		return 0, 0
	}

	for _, entry := range entries {
		run, err := domain.RunFromMetadata(entry.Metadata)
		if err != nil {
			continue
		}
		switch run.Status {
		case domain.RunRunning, domain.RunAwaiting:
		default:
			continue
		}

		correctedStatus, reason := d.classifyRecovered(run, now)
		if correctedStatus == run.Status {
			if correctedStatus == domain.RunRunning {
				running++
			} else {
				awaiting++
			}
			continue
		}

		if err := d.rewriteRecoveredStatus(ctx, flowName, run.RunID, correctedStatus, reason); err != nil {
			d.logger.Error("stalldetector: rewrite recovered run", "runId", run.RunID, "error", err)
			continue
		}
		if correctedStatus == domain.RunRunning {
			running++
		} else if correctedStatus == domain.RunAwaiting {
			awaiting++
		}
		if correctedStatus == domain.RunStalled {
			d.bus.Publish(ctx, domain.Event{
				Type: domain.EventFlowStalled, RunID: run.RunID, FlowName: flowName,
				Data: map[string]any{"previousStatus": string(run.Status), "reason": reason},
			})
		}
	}
	return running, awaiting
}

// classifyRecovered decides the corrected status for one recovered run.
func (d *Detector) classifyRecovered(run *domain.Run, now int64) (domain.RunStatus, string) {
	hasOverdue := false
	hasActive := false
	for _, state := range run.AwaitingSteps {
		if state.Status != domain.AwaitStatusAwaiting {
			continue
		}
		if state.TimeoutAt == 0 {
			continue // no timeoutAt: legacy/valid, doesn't itself force a decision
		}
		if state.TimeoutAt < now {
			hasOverdue = true
		} else {
			hasActive = true
		}
	}

	switch {
	case hasOverdue:
		return domain.RunStalled, "Overdue await detected on recovery"
	case hasActive:
		return domain.RunAwaiting, ""
	default:
		return domain.RunStalled, "Server restart - flow state lost"
	}
}

func (d *Detector) rewriteRecoveredStatus(ctx context.Context, flowName, runID string, status domain.RunStatus, reason string) error {
	return d.store.Index().UpdateWithRetry(ctx, domain.FlowRunIndexKey(flowName), runID, 3, func(current map[string]any) map[string]any {
		r, err := domain.RunFromMetadata(current)
		if err != nil {
			return map[string]any{}
		}
		if status == domain.RunStalled {
			r.PreviousStatus = r.Status
			r.StallReason = reason
			r.CompletedAt = time.Now().UnixMilli()
		}
		r.Status = status
		r.Version++
		meta, merr := r.ToMetadata()
		if merr != nil {
			return map[string]any{}
		}
		return meta
	})
}

// reconcileStats corrects stats.running/stats.awaiting from observed
// counts; total/success/failure/cancel are intentionally left alone —
// they would require a full history scan.
func (d *Detector) reconcileStats(ctx context.Context, flowName string, running, awaiting int64) {
	_, err := d.store.Index().Update(ctx, domain.FlowIndexKey, flowName, map[string]any{
		"running":  running,
		"awaiting": awaiting,
	}, 0)
	if err != nil {
		d.logger.Error("stalldetector: reconcile stats", "flowName", flowName, "error", err)
	}
}

// pruneUnknownFlowStats removes stats entries for flow names no longer
// in the registry.
func (d *Detector) pruneUnknownFlowStats(ctx context.Context) {
	known := map[string]bool{}
	for _, name := range d.flows.Names() {
		known[name] = true
	}

	entries, err := d.store.Index().Read(ctx, domain.FlowIndexKey, 0, recoveryScanLimit)
	if err != nil {
		d.logger.Error("stalldetector: read flow stats for pruning", "error", err)
		return
	}
	for _, entry := range entries {
		if !known[entry.ID] {
			if err := d.store.Index().Delete(ctx, domain.FlowIndexKey, entry.ID); err != nil {
				d.logger.Error("stalldetector: prune flow stats", "flowName", entry.ID, "error", err)
			}
		}
	}
}

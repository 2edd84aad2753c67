package domain

import "time"

// AwaitType identifies what a suspension point waits on.
type AwaitType string

const (
	AwaitTime     AwaitType = "time"
	AwaitSchedule AwaitType = "schedule"
	AwaitWebhook  AwaitType = "webhook"
	AwaitEvent    AwaitType = "event"
)

// AwaitPosition identifies where, relative to a step's handler, a
// suspension point sits.
type AwaitPosition string

const (
	AwaitBefore AwaitPosition = "before"
	AwaitAfter  AwaitPosition = "after"
)

// TimeoutAction is the policy applied when an await's timeout fires
// before resolution.
type TimeoutAction string

const (
	TimeoutActionFail     TimeoutAction = "fail"
	TimeoutActionContinue TimeoutAction = "continue"
	TimeoutActionRetry    TimeoutAction = "retry" // reserved, not implemented
)

// AwaitConfig parameterizes a single await pattern attached to a step.
type AwaitConfig struct {
	Type          AwaitType     `json:"type"`
	TimeoutAction TimeoutAction `json:"timeoutAction,omitempty"`

	// Delay is used by AwaitTime: the step waits Delay before resolving.
	Delay time.Duration `json:"delay,omitempty"`

	// CronExpr/Timezone are used by AwaitSchedule: the step waits until
	// the next occurrence of CronExpr in Timezone.
	CronExpr string `json:"cronExpr,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Timeout bounds AwaitWebhook and AwaitEvent; defaults to 24h when zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// EventPattern names the event an AwaitEvent pattern resolves on.
	EventPattern string `json:"eventPattern,omitempty"`

	// WebhookPath/WebhookSecret identify the external callback for AwaitWebhook.
	WebhookPath   string `json:"webhookPath,omitempty"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

// EffectiveTimeout returns the duration this await is expected to hold
// a step for, used by flowgraph's stallTimeout calculation. For
// AwaitTime it is Delay; for AwaitSchedule/AwaitWebhook/AwaitEvent it is
// the configured Timeout, defaulting to 24h when unset.
func (c AwaitConfig) EffectiveTimeout() time.Duration {
	if c.Type == AwaitTime {
		return c.Delay
	}
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 24 * time.Hour
}

// StepDef is one node of a flow definition.
type StepDef struct {
	Name        string        `json:"name"`
	Queue       string        `json:"queue"`
	WorkerID    string        `json:"workerId"`
	Subscribes  []string      `json:"subscribes,omitempty"`
	Emits       []string      `json:"emits,omitempty"`
	AwaitBefore *AwaitConfig  `json:"awaitBefore,omitempty"`
	AwaitAfter  *AwaitConfig  `json:"awaitAfter,omitempty"`
	StepTimeout time.Duration `json:"stepTimeout,omitempty"`
}

// FlowDef is the immutable definition of a flow, as supplied by the
// external flow registry. It is never mutated by the orchestrator.
type FlowDef struct {
	Name      string             `json:"name"`
	EntryStep string             `json:"entryStep,omitempty"`
	Steps     map[string]StepDef `json:"steps"`
}

// Step looks up a step definition by name.
func (f *FlowDef) Step(name string) (StepDef, bool) {
	s, ok := f.Steps[name]
	return s, ok
}

// StepNames returns every step name, entry step included, in map
// iteration order (callers that need determinism should sort).
func (f *FlowDef) StepNames() []string {
	names := make([]string, 0, len(f.Steps))
	for name := range f.Steps {
		names = append(names, name)
	}
	return names
}

package domain

// TriggerType identifies the external source kind of a trigger.
type TriggerType string

const (
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerManual   TriggerType = "manual"
)

// TriggerStatus controls whether a trigger is currently eligible to fire.
type TriggerStatus string

const (
	TriggerActive   TriggerStatus = "active"
	TriggerDisabled TriggerStatus = "disabled"
)

// SubscriptionMode controls how a trigger.fired event is handled for a
// given flow subscription: auto starts a run, manual only logs.
type SubscriptionMode string

const (
	SubscriptionAuto   SubscriptionMode = "auto"
	SubscriptionManual SubscriptionMode = "manual"
)

// Subscription binds a trigger to a flow.
type Subscription struct {
	Mode         SubscriptionMode `json:"mode"`
	RegisteredAt int64            `json:"registeredAt"`
}

// ScheduleSpec parameterizes a schedule-type trigger.
type ScheduleSpec struct {
	CronExpr string `json:"cronExpr"`
	Timezone string `json:"timezone"`
}

// WebhookSpec parameterizes a webhook-type trigger.
type WebhookSpec struct {
	Path   string `json:"path"`
	Secret string `json:"secret,omitempty"`
}

// TriggerStats are the counters maintained by the stats stage.
type TriggerStats struct {
	TotalFires        int64 `json:"totalFires"`
	TotalFlowsStarted int64 `json:"totalFlowsStarted"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
	LastFiredAt       int64 `json:"lastFiredAt,omitempty"`
}

// Trigger is the registry record for one external trigger source.
type Trigger struct {
	Name          string                   `json:"name"`
	Type          TriggerType              `json:"type"`
	Status        TriggerStatus            `json:"status"`
	Schedule      *ScheduleSpec            `json:"schedule,omitempty"`
	Webhook       *WebhookSpec             `json:"webhook,omitempty"`
	Stats         TriggerStats             `json:"stats"`
	Subscriptions map[string]*Subscription `json:"subscriptions"`
}

// NewTrigger creates a registry record in the active state with no
// subscriptions.
func NewTrigger(name string, typ TriggerType) *Trigger {
	return &Trigger{
		Name:          name,
		Type:          typ,
		Status:        TriggerActive,
		Subscriptions: map[string]*Subscription{},
	}
}

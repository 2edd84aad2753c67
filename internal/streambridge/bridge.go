package streambridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

// FirehoseTopic receives every forwarded event regardless of run or
// trigger, for consumers that want the whole stream.
const FirehoseTopic = "flowengine.events"

// forwardedEventTypes is every persisted event type the bridge relays.
// The stats-updated notifications are included even though they are
// never persisted to a stream: they carry no id/ts and are forwarded
// as-is, since downstream dashboards are their whole reason to exist.
var forwardedEventTypes = []domain.EventType{
	domain.EventFlowStart,
	domain.EventFlowCompleted,
	domain.EventFlowFailed,
	domain.EventFlowCancel,
	domain.EventFlowStalled,
	domain.EventStepStarted,
	domain.EventStepCompleted,
	domain.EventStepFailed,
	domain.EventStepRetry,
	domain.EventEmit,
	domain.EventLog,
	domain.EventState,
	domain.EventAwaitRegistered,
	domain.EventAwaitResolved,
	domain.EventAwaitTimeout,
	domain.EventTriggerRegistered,
	domain.EventTriggerUpdated,
	domain.EventTriggerDeleted,
	domain.EventTriggerFired,
	domain.EventSubscriptionAdded,
	domain.EventSubscriptionRemoved,
}

var statsEventTypes = []domain.EventType{
	domain.EventFlowStatsUpdated,
	domain.EventTriggerStatsUpdated,
}

// Bridge relays persisted bus events onto PubSub topics: one topic per
// run or trigger stream (named after the stream's subject), plus the
// firehose.
type Bridge struct {
	bus    *bus.Bus
	pubsub ports.PubSub
	logger *slog.Logger
}

// New constructs a Bridge. Call Wire to subscribe it to the bus.
func New(b *bus.Bus, pubsub ports.PubSub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: b, pubsub: pubsub, logger: logger}
}

// Wire subscribes the bridge to every forwarded event type. Because
// handlers run in registration order, hosts wire the bridge after the
// orchestrator so subscribers observe events only once persistence has
// stamped them.
func (br *Bridge) Wire() {
	for _, t := range forwardedEventTypes {
		br.bus.OnType(t, br.forwardPersisted)
	}
	for _, t := range statsEventTypes {
		br.bus.OnType(t, br.forwardAlways)
	}
}

// forwardPersisted relays only the persisted copy of an event (the one
// carrying id+ts); the ingress copy is skipped so subscribers never see
// an event the Store might still reject.
func (br *Bridge) forwardPersisted(ctx context.Context, event domain.Event) {
	if !event.IsPersisted() {
		return
	}
	br.forward(ctx, event)
}

func (br *Bridge) forwardAlways(ctx context.Context, event domain.Event) {
	br.forward(ctx, event)
}

func (br *Bridge) forward(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		br.logger.Error("streambridge: marshal event", "type", event.Type, "error", err)
		return
	}
	if topic := topicFor(event); topic != "" {
		if err := br.pubsub.Publish(ctx, topic, payload); err != nil {
			br.logger.Error("streambridge: publish", "topic", topic, "type", event.Type, "error", err)
		}
	}
	if err := br.pubsub.Publish(ctx, FirehoseTopic, payload); err != nil {
		br.logger.Error("streambridge: publish firehose", "type", event.Type, "error", err)
	}
}

// topicFor names the stream-scoped topic: the run's stream subject for
// run events, the trigger's stream subject for trigger events.
func topicFor(event domain.Event) string {
	if event.RunID != "" {
		return domain.FlowRunSubject(event.RunID)
	}
	if name := event.DataString("name"); name != "" {
		return "triggerStream:" + name
	}
	return ""
}

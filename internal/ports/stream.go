package ports

import "context"

// PubSubMessage is one message delivered to a topic subscriber.
type PubSubMessage struct {
	Topic   string
	Payload []byte
}

// PubSubHandler receives messages for a subscribed topic.
type PubSubHandler func(msg PubSubMessage)

// PubSub is the external pub/sub contract used by the stream bridge to
// forward persisted events to subscribers outside the core engine. It
// is distinct from the in-process event bus in internal/bus, which has
// no adapter behind it.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler PubSubHandler) (subscriptionID string, err error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
	ListTopics(ctx context.Context) ([]string, error)
	Shutdown(ctx context.Context) error
}

package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/flowengine/internal/ports"
)

type subscription struct {
	id      string
	topic   string
	handler ports.PubSubHandler
}

// PubSub is an in-process fan-out implementation of ports.PubSub, used
// where an adapter needs a topic broadcast primitive independent of
// the per-run event bus (e.g. relaying trigger webhooks across
// instances in a single-process deployment).
type PubSub struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewPubSub constructs an empty PubSub.
func NewPubSub() *PubSub {
	return &PubSub{subs: map[string]*subscription{}}
}

func (p *PubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.subs {
		if s.topic == topic {
			s.handler(ports.PubSubMessage{Topic: topic, Payload: append([]byte(nil), payload...)})
		}
	}
	return nil
}

func (p *PubSub) Subscribe(ctx context.Context, topic string, handler ports.PubSubHandler) (string, error) {
	id := uuid.NewString()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[id] = &subscription{id: id, topic: topic, handler: handler}
	return id, nil
}

func (p *PubSub) Unsubscribe(ctx context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, subscriptionID)
	return nil
}

func (p *PubSub) ListTopics(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[string]bool{}
	var topics []string
	for _, s := range p.subs {
		if !seen[s.topic] {
			seen[s.topic] = true
			topics = append(topics, s.topic)
		}
	}
	return topics, nil
}

func (p *PubSub) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = map[string]*subscription{}
	return nil
}

package trigger

import (
	"sync"

	"github.com/shaiso/flowengine/internal/domain"
)

// Runtime holds the in-memory trigger registry and its secondary
// flow→triggers index. It is the only in-process cache the
// trigger subsystem keeps; the durable copy lives in the Store's
// trigger index.
type Runtime struct {
	mu            sync.RWMutex
	triggers      map[string]*domain.Trigger
	flowToTrigger map[string]map[string]bool // flowName -> set of trigger names subscribed
}

// NewRuntime constructs an empty Runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		triggers:      map[string]*domain.Trigger{},
		flowToTrigger: map[string]map[string]bool{},
	}
}

// AddTrigger registers or replaces a trigger record.
func (r *Runtime) AddTrigger(t *domain.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[t.Name] = t
	for flowName := range t.Subscriptions {
		r.indexSubscription(t.Name, flowName)
	}
}

// RemoveTrigger deletes a trigger and its subscriptions from the index.
func (r *Runtime) RemoveTrigger(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggers, name)
	for flowName, names := range r.flowToTrigger {
		delete(names, name)
		if len(names) == 0 {
			delete(r.flowToTrigger, flowName)
		}
	}
}

// GetTrigger returns the named trigger, if registered.
func (r *Runtime) GetTrigger(name string) (*domain.Trigger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[name]
	return t, ok
}

// AddSubscription binds flowName to trigger triggerName in mode.
func (r *Runtime) AddSubscription(triggerName, flowName string, mode domain.SubscriptionMode, registeredAt int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[triggerName]
	if !ok {
		return false
	}
	if t.Subscriptions == nil {
		t.Subscriptions = map[string]*domain.Subscription{}
	}
	t.Subscriptions[flowName] = &domain.Subscription{Mode: mode, RegisteredAt: registeredAt}
	r.indexSubscription(triggerName, flowName)
	return true
}

// RemoveSubscription unbinds flowName from triggerName.
func (r *Runtime) RemoveSubscription(triggerName, flowName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[triggerName]
	if !ok {
		return false
	}
	if _, subscribed := t.Subscriptions[flowName]; !subscribed {
		return false
	}
	delete(t.Subscriptions, flowName)
	if names, ok := r.flowToTrigger[flowName]; ok {
		delete(names, triggerName)
		if len(names) == 0 {
			delete(r.flowToTrigger, flowName)
		}
	}
	return true
}

// GetSubscribedFlows returns every flow name subscribed to triggerName.
func (r *Runtime) GetSubscribedFlows(triggerName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[triggerName]
	if !ok {
		return nil
	}
	flows := make([]string, 0, len(t.Subscriptions))
	for flowName := range t.Subscriptions {
		flows = append(flows, flowName)
	}
	return flows
}

// GetAllSubscriptions returns every (triggerName, flowName, subscription) triple.
func (r *Runtime) GetAllSubscriptions() map[string]map[string]*domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]*domain.Subscription, len(r.triggers))
	for name, t := range r.triggers {
		copySubs := make(map[string]*domain.Subscription, len(t.Subscriptions))
		for flowName, sub := range t.Subscriptions {
			copySubs[flowName] = sub
		}
		out[name] = copySubs
	}
	return out
}

func (r *Runtime) indexSubscription(triggerName, flowName string) {
	names, ok := r.flowToTrigger[flowName]
	if !ok {
		names = map[string]bool{}
		r.flowToTrigger[flowName] = names
	}
	names[triggerName] = true
}

// ResolvePayload follows a "__payloadRef" indirection to a stored blob
// when the event payload is too large to pass through the bus inline
// resolver is supplied by the caller's Store-backed blob lookup.
func ResolvePayload(data map[string]any, resolver func(ref string) (map[string]any, error)) (map[string]any, error) {
	ref, ok := data["__payloadRef"].(string)
	if !ok {
		return data, nil
	}
	return resolver(ref)
}

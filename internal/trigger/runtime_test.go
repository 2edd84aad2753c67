package trigger

import (
	"testing"

	"github.com/shaiso/flowengine/internal/domain"
)

func TestRuntimeAddAndRemoveTrigger(t *testing.T) {
	r := NewRuntime()
	tr := domain.NewTrigger("order-placed", domain.TriggerEvent)
	r.AddTrigger(tr)

	if _, ok := r.GetTrigger("order-placed"); !ok {
		t.Fatal("expected trigger to be registered")
	}

	r.RemoveTrigger("order-placed")
	if _, ok := r.GetTrigger("order-placed"); ok {
		t.Fatal("expected trigger to be removed")
	}
}

func TestRuntimeSubscriptionLifecycle(t *testing.T) {
	r := NewRuntime()
	tr := domain.NewTrigger("order-placed", domain.TriggerEvent)
	r.AddTrigger(tr)

	if !r.AddSubscription("order-placed", "fulfillment", domain.SubscriptionAuto, 1000) {
		t.Fatal("expected subscription to be added")
	}
	flows := r.GetSubscribedFlows("order-placed")
	if len(flows) != 1 || flows[0] != "fulfillment" {
		t.Fatalf("expected fulfillment subscribed, got %v", flows)
	}

	if !r.RemoveSubscription("order-placed", "fulfillment") {
		t.Fatal("expected subscription to be removed")
	}
	if flows := r.GetSubscribedFlows("order-placed"); len(flows) != 0 {
		t.Fatalf("expected no subscribed flows left, got %v", flows)
	}
}

func TestRuntimeAddSubscriptionOnUnknownTriggerFails(t *testing.T) {
	r := NewRuntime()
	if r.AddSubscription("missing", "fulfillment", domain.SubscriptionAuto, 1000) {
		t.Fatal("expected AddSubscription to fail for an unregistered trigger")
	}
}

func TestRuntimeRemoveTriggerClearsFlowIndex(t *testing.T) {
	r := NewRuntime()
	tr := domain.NewTrigger("order-placed", domain.TriggerEvent)
	r.AddTrigger(tr)
	r.AddSubscription("order-placed", "fulfillment", domain.SubscriptionAuto, 1000)

	r.RemoveTrigger("order-placed")

	subs := r.GetAllSubscriptions()
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions left after RemoveTrigger, got %v", subs)
	}
	if len(r.flowToTrigger) != 0 {
		t.Fatalf("expected flow index empty after RemoveTrigger, got %v", r.flowToTrigger)
	}
}

func TestResolvePayloadPassesThroughWithoutRef(t *testing.T) {
	data := map[string]any{"foo": "bar"}
	out, err := ResolvePayload(data, func(ref string) (map[string]any, error) {
		t.Fatal("resolver should not be called without a __payloadRef")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("resolvePayload: %v", err)
	}
	if out["foo"] != "bar" {
		t.Fatalf("expected payload unchanged, got %v", out)
	}
}

func TestResolvePayloadFollowsRef(t *testing.T) {
	data := map[string]any{"__payloadRef": "blob-1"}
	resolved := map[string]any{"large": "payload"}
	out, err := ResolvePayload(data, func(ref string) (map[string]any, error) {
		if ref != "blob-1" {
			t.Fatalf("unexpected ref %q", ref)
		}
		return resolved, nil
	})
	if err != nil {
		t.Fatalf("resolvePayload: %v", err)
	}
	if out["large"] != "payload" {
		t.Fatalf("expected resolved payload, got %v", out)
	}
}

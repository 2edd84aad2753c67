// Package streambridge forwards persisted engine events to external
// subscribers over the ports.PubSub contract. It is the outbound half
// of the event pipeline: the in-process bus stays private to the
// engine, while any consumer outside it (a WebSocket session manager,
// another process tailing a run) subscribes to the bridge's topics
// instead.
package streambridge

// Package ports declares the adapter contracts the core engine depends
// on: Queue, Store (stream + kv + sorted index) and PubSub. Nothing in
// internal/orchestrator, internal/await, internal/trigger,
// internal/scheduler or internal/stalldetector imports a concrete backend
// directly — they hold one of these interfaces, supplied by whatever
// is wired in internal/adapters or by a caller's own implementation.
package ports

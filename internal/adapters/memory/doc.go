// Package memory is an in-process implementation of ports.Store,
// ports.Queue and ports.PubSub, backed by plain maps guarded by
// mutexes. It is the default wiring for cmd/flowctl's standalone mode
// and the fixture used by the orchestrator, trigger and stalldetector
// test suites — nothing here talks to a network.
//
// Because every operation is serialized behind a single table lock,
// the optimistic-concurrency retry paths of ports.Index (UpdateWithRetry)
// never actually conflict here; they still run through the same call
// shape as the redis/postgres adapters so callers can't tell which
// backend they're pointed at.
package memory

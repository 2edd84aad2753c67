// Package bootstrap wires the core engine packages (bus, scheduler,
// await, trigger, orchestrator, stalldetector) to a selected Store/Queue
// adapter pair and the stepkit executors, the way each cmd/automata-*
// binary wired its own repo/mq/worker stack by hand. Engine is the
// single entry point every flowengine binary constructs; the only
// difference between binaries is which of Engine's surfaces they serve.
package bootstrap

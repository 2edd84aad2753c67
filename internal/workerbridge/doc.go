// Package workerbridge connects a flow's step definitions to the Queue
// adapter and the stepkit executor registry, the way the teacher
// module's internal/worker package connected task execution to its
// RabbitMQ consumer and publisher. The orchestrator only ever reacts to
// events arriving on the bus, and something has to turn a Queue job's
// lifecycle into those events. That something is Bridge.
//
// Every Bridge registers a Queue worker for each step of its flows and
// runs the step bodies it receives, whether it lives in the same
// process as the Orchestrator (the in-memory adapter's only supported
// mode, since its Queue is a plain Go object) or in cmd/automata-worker
// processes sharing a durable Queue backend (RabbitMQ). A Bridge
// publishes lifecycle events onto its own process's bus only for the
// jobs that ran in that process.
package workerbridge

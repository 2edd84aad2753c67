// Package rabbitmq is a ports.Queue backend over RabbitMQ
// (github.com/rabbitmq/amqp091-go): each queue name the engine enqueues
// to becomes a durable AMQP queue on the default exchange, with one
// consumer per queue dispatching each job by name to its registered
// ports.WorkerHandler callback.
//
// Connection carries the reconnect-with-backoff behavior the engine's
// RabbitMQ-backed deployments rely on; Queue retries a failed job up to
// its Attempts option, republishing it after its Backoff delay.
package rabbitmq

// Package await implements the four await kinds: time, schedule,
// webhook and event. Each kind shares one protocol — Register
// publishes await.registered (from which the orchestrator writes the
// awaiting-state entry) and arms exactly one scheduler job: the
// resolver for time/schedule, the timeout fallback for webhook/event;
// resolution (whether by timer, external callback, or
// matching event) publishes exactly one await.resolved or
// await.timeout back onto the bus, which the orchestrator's
// await.resolved/await.timeout handler turns into a step
// resume or failure.
//
// Package await owns no run state: it only knows how to arm/reconstruct
// timeout jobs and how to translate an external signal (a timer firing,
// a webhook POST, an event bus delivery) into the resolved/timeout
// event pair. The orchestrator package owns awaitingSteps itself.
package await

// Package bus is the in-process, synchronous publish/subscribe at the
// center of the engine. It is the only point at which
// orchestration handlers run: Publish dispatches an event to every
// handler registered for its Type, in registration order, awaiting
// each before starting the next. A handler that panics is recovered and
// logged and does not stop later handlers from running for the same
// event.
//
// The bus carries no adapter behind it. Persistence handlers append to
// a Store stream and republish the persisted copy (with ID/Ts set);
// downstream handlers distinguish ingress from persisted events with
// domain.Event.IsPersisted.
package bus

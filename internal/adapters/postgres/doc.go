// Package postgres is a ports.Store backend over pgx/v5: durable
// storage for per-run event streams, generic KV state, and the
// version-guarded indexes the orchestrator uses for run and flow
// records.
//
// There are no migration files anywhere in the surrounding project;
// ensureSchema bootstraps the three tables it needs with
// CREATE TABLE IF NOT EXISTS on first connect, the same way a small
// service without a migration runner would.
package postgres

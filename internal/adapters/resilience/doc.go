// Package resilience wraps a ports.Store or ports.Queue with a
// github.com/sony/gobreaker circuit breaker, so a backend that starts
// failing trips open and returns fast instead of letting every bus
// handler block on its timeout. No production file in the retrieval
// pack calls gobreaker directly (only a go.mod entry and a test
// harness reference it); this package follows the library's own
// documented Settings/Execute shape.
package resilience

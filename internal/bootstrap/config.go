package bootstrap

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/shaiso/flowengine/internal/scheduler"
	"github.com/shaiso/flowengine/internal/telemetry"
)

// Config selects the adapter backends and operating parameters for an
// Engine. Zero-value Config is a fully in-memory, single-instance
// engine with no flow definitions loaded.
type Config struct {
	// StoreBackend is "memory" (default), "postgres" or "redis".
	StoreBackend string
	// QueueBackend is "memory" (default) or "rabbitmq".
	QueueBackend string
	// Resilient wraps Store and Queue in a resilience circuit breaker
	// (internal/adapters/resilience); meaningless for the memory backend.
	Resilient bool

	// InstanceID identifies this process to the scheduler's distributed
	// locker. ConfigFromEnv fills it with hostname-pid when empty; New
	// passes it to the scheduler as given.
	InstanceID string
	// LockMode selects the scheduler's locking strategy; empty defaults
	// to scheduler.LockModeIndex.
	LockMode scheduler.LockMode

	// FlowsDir, if set, is a directory of *.json flow definitions loaded
	// into the flow registry at startup.
	FlowsDir string

	Logger *slog.Logger
}

// ConfigFromEnv builds a Config from FLOWENGINE_* environment
// variables, the way each cmd/automata-* binary previously read
// RABBITMQ_URL/API_PORT/etc directly in main().
func ConfigFromEnv() Config {
	cfg := Config{
		StoreBackend: envOr("FLOWENGINE_STORE", "memory"),
		QueueBackend: envOr("FLOWENGINE_QUEUE", "memory"),
		Resilient:    os.Getenv("FLOWENGINE_RESILIENT") == "true",
		InstanceID:   os.Getenv("FLOWENGINE_INSTANCE_ID"),
		LockMode:     scheduler.LockMode(os.Getenv("FLOWENGINE_LOCK_MODE")),
		FlowsDir:     os.Getenv("FLOWENGINE_FLOWS_DIR"),
		Logger:       telemetry.SetupLogger(),
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "flowengine"
		}
		cfg.InstanceID = host + "-" + strconv.Itoa(os.Getpid())
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

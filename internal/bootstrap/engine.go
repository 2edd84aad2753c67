package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaiso/flowengine/internal/adapters/memory"
	"github.com/shaiso/flowengine/internal/adapters/postgres"
	"github.com/shaiso/flowengine/internal/adapters/rabbitmq"
	"github.com/shaiso/flowengine/internal/adapters/redis"
	"github.com/shaiso/flowengine/internal/adapters/resilience"
	"github.com/shaiso/flowengine/internal/await"
	"github.com/shaiso/flowengine/internal/bus"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/orchestrator"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/shaiso/flowengine/internal/scheduler"
	"github.com/shaiso/flowengine/internal/stalldetector"
	"github.com/shaiso/flowengine/internal/stepkit"
	"github.com/shaiso/flowengine/internal/streambridge"
	"github.com/shaiso/flowengine/internal/trigger"
	"github.com/shaiso/flowengine/internal/workerbridge"
)

// Engine is every flowengine binary's entry point: a fully wired Bus,
// Store, Queue, Scheduler, await Subsystem, trigger Wiring, Orchestrator
// and Stall Detector, plus a workerbridge.Bridge and stepkit.Registry
// for step execution. Which of these surfaces a given cmd/ binary
// actually drives is the only thing that differs between them.
type Engine struct {
	Bus     *bus.Bus
	Store   ports.Store
	Queue   ports.Queue
	Sched   *scheduler.Scheduler
	Awaits  *await.Subsystem
	Runtime *trigger.Runtime
	Trigger *trigger.Wiring
	Flows   *orchestrator.Registry
	Orch    *orchestrator.Orchestrator
	Stalls  *stalldetector.Detector
	Steps   *stepkit.Registry
	Bridge  *workerbridge.Bridge
	PubSub  ports.PubSub
	Stream  *streambridge.Bridge

	logger *slog.Logger
	closer func()
}

// New builds an Engine from cfg, loading any flow definitions under
// cfg.FlowsDir and registering every component's rebuilder with the
// scheduler so a restart recovers in-flight awaits, trigger schedules
// and stall timeouts. It does not start the scheduler or the queue
// workers; call Start for that.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, closer, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build store: %w", err)
	}
	queue, err := buildQueue(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build queue: %w", err)
	}

	b := bus.New(logger)
	sched := scheduler.New(scheduler.Config{
		Store: store, InstanceID: cfg.InstanceID, LockMode: cfg.LockMode, Logger: logger,
	})
	awaits := await.New(b, sched, logger)
	runtime := trigger.NewRuntime()
	flows := orchestrator.NewRegistry()
	steps := stepkit.NewRegistry()

	stalls := stalldetector.New(store, b, flows, logger)

	orch := orchestrator.New(orchestrator.Config{
		Bus: b, Store: store, Queue: queue, Sched: sched, Awaits: awaits, Flows: flows,
		Logger: logger, StallFired: stalls.HandleDeadline,
	})
	trig := trigger.New(trigger.Config{
		Bus: b, Store: store, Queue: queue, Sched: sched, Flows: flows, Runtime: runtime, Logger: logger,
	})
	bridge := workerbridge.New(workerbridge.Config{Queue: queue, Bus: b, Steps: steps, Logger: logger})
	pubsub := memory.NewPubSub()
	stream := streambridge.New(b, pubsub, logger)

	sched.RegisterRebuilder(orch.Rebuilder())
	sched.RegisterRebuilder(awaits.Rebuilder())
	sched.RegisterRebuilder(trig.Rebuilder())

	// The stream bridge wires after the orchestrator so external
	// subscribers only see events the persistence stage has stamped.
	orch.Wire()
	awaits.Wire()
	trig.Wire()
	stream.Wire()

	e := &Engine{
		Bus: b, Store: store, Queue: queue, Sched: sched, Awaits: awaits,
		Runtime: runtime, Trigger: trig, Flows: flows, Orch: orch, Stalls: stalls,
		Steps: steps, Bridge: bridge, PubSub: pubsub, Stream: stream,
		logger: logger, closer: closer,
	}

	if cfg.FlowsDir != "" {
		if err := e.loadFlowsDir(ctx, cfg.FlowsDir); err != nil {
			return nil, fmt.Errorf("bootstrap: load flows dir %q: %w", cfg.FlowsDir, err)
		}
	}

	return e, nil
}

// Start starts the scheduler, which in turn replays any persisted jobs
// through the registered rebuilders.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Sched.Start(ctx); err != nil {
		return err
	}
	e.Stalls.Recover(ctx)
	return nil
}

// Stop stops the scheduler and releases its distributed locks, then
// closes the underlying Store/Queue connections if the selected
// backend opened any.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.Sched.Stop(ctx)
	if qerr := e.Queue.Close(ctx); qerr != nil && err == nil {
		err = qerr
	}
	if perr := e.PubSub.Shutdown(ctx); perr != nil && err == nil {
		err = perr
	}
	if e.closer != nil {
		e.closer()
	}
	return err
}

// RegisterFlow analyzes def, adds it to the flow registry and registers
// a worker for each of its steps with the bridge, so the flow is both
// orchestratable and executable in this process.
func (e *Engine) RegisterFlow(ctx context.Context, def *domain.FlowDef) error {
	if err := e.Flows.Register(def); err != nil {
		return err
	}
	return e.Bridge.RegisterFlow(ctx, def)
}

// loadFlowsDir registers every *.json flow definition under dir,
// mirroring the flow registry an operator maintains out-of-process.
func (e *Engine) loadFlowsDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var def domain.FlowDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := e.RegisterFlow(ctx, &def); err != nil {
			return fmt.Errorf("register flow from %s: %w", path, err)
		}
		e.logger.Info("bootstrap: loaded flow", "flowName", def.Name, "path", path)
	}
	return nil
}

func buildStore(ctx context.Context, cfg Config, logger *slog.Logger) (ports.Store, func(), error) {
	var store ports.Store
	var closer func()

	switch cfg.StoreBackend {
	case "", "memory":
		store = memory.NewStore()
	case "postgres":
		pg, err := postgres.Open(ctx)
		if err != nil {
			return nil, nil, err
		}
		store, closer = pg, pg.Close
	case "redis":
		client := redis.NewClient()
		rs := redis.New(client)
		store, closer = rs, func() { _ = rs.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.Resilient && cfg.StoreBackend != "" && cfg.StoreBackend != "memory" {
		store = resilience.NewStore(store, cfg.StoreBackend)
	}
	return store, closer, nil
}

func buildQueue(cfg Config, logger *slog.Logger) (ports.Queue, error) {
	var queue ports.Queue

	switch cfg.QueueBackend {
	case "", "memory":
		queue = memory.NewQueue(logger)
	case "rabbitmq":
		conn, err := rabbitmq.NewConnection(rabbitmq.DefaultURL(), logger)
		if err != nil {
			return nil, err
		}
		queue = rabbitmq.NewQueue(conn, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	if cfg.Resilient && cfg.QueueBackend != "" && cfg.QueueBackend != "memory" {
		queue = resilience.NewQueue(queue, cfg.QueueBackend)
	}
	return queue, nil
}

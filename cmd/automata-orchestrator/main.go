// automata-orchestrator hosts the flow orchestrator: it turns ingress
// events into durable run state, enqueues step jobs, and arms awaits
// and stall timeouts. It shares its Store and
// Queue backend with every other flowengine daemon; the bus,
// scheduler and orchestrator themselves are process-local.
package main

import (
	"log"
	"os"

	"github.com/shaiso/flowengine/internal/bootstrap"
)

func main() {
	addr := ":8083"
	if v := os.Getenv("ORCH_ADDR"); v != "" {
		addr = v
	}
	if err := bootstrap.RunDaemon("automata-orchestrator", addr, nil); err != nil {
		log.Fatalf("automata-orchestrator: %v", err)
	}
}

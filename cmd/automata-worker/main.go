// automata-worker hosts the same wired engine as automata-orchestrator
// but is meant to be scaled out horizontally: every instance shares the
// durable Queue backend, so Queue.RegisterWorker's consumer on each
// process picks up a share of the step job backlog.
package main

import (
	"log"
	"os"

	"github.com/shaiso/flowengine/internal/bootstrap"
)

func main() {
	addr := ":8082"
	if v := os.Getenv("WORKER_ADDR"); v != "" {
		addr = v
	}
	if err := bootstrap.RunDaemon("automata-worker", addr, nil); err != nil {
		log.Fatalf("automata-worker: %v", err)
	}
}

// automata-scheduler hosts the same wired engine as the other
// flowengine daemons. Exclusivity for due jobs comes from the
// scheduler's per-job lease lock, not from a leader
// election among scheduler processes, so any number of instances can
// run this binary against the same durable Store.
package main

import (
	"log"
	"os"

	"github.com/shaiso/flowengine/internal/bootstrap"
)

func main() {
	addr := ":8081"
	if v := os.Getenv("SCHED_ADDR"); v != "" {
		addr = v
	}
	if err := bootstrap.RunDaemon("automata-scheduler", addr, nil); err != nil {
		log.Fatalf("automata-scheduler: %v", err)
	}
}

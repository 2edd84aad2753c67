// automata-api hosts the same wired engine as the other flowengine
// daemons and additionally exposes a read-only /stats/{flowName}
// endpoint over the flow stats index. It does not
// accept any state-changing request: starting/canceling runs and
// firing triggers is cmd/flowctl's job, driven straight off the wired
// adapters rather than through an HTTP layer.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/shaiso/flowengine/internal/bootstrap"
	"github.com/shaiso/flowengine/internal/domain"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("API_ADDR"); v != "" {
		addr = v
	}
	err := bootstrap.RunDaemon("automata-api", addr, func(mux *http.ServeMux, e *bootstrap.Engine) {
		mux.HandleFunc("/stats/", func(w http.ResponseWriter, r *http.Request) {
			flowName := strings.TrimPrefix(r.URL.Path, "/stats/")
			if flowName == "" {
				http.Error(w, "flow name required", http.StatusBadRequest)
				return
			}
			entry, ok, err := e.Store.Index().Get(r.Context(), domain.FlowIndexKey, flowName)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(entry.Metadata)
		})
	})
	if err != nil {
		log.Fatalf("automata-api: %v", err)
	}
}

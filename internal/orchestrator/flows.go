package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/flowgraph"
)

// analyzedFlow pairs a flow definition with its precomputed dependency
// graph and stall timeout.
type analyzedFlow struct {
	def          *domain.FlowDef
	graph        *flowgraph.Graph
	stallTimeout time.Duration
}

// Registry holds every flow definition known to this process, analyzed
// once at registration time rather than per run.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*analyzedFlow
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{flows: map[string]*analyzedFlow{}}
}

// Register builds the dependency graph and stall timeout for def and
// adds it to the registry, replacing any prior definition of the same
// name.
func (r *Registry) Register(def *domain.FlowDef) error {
	graph, err := flowgraph.Build(def)
	if err != nil {
		return fmt.Errorf("orchestrator: analyze flow %q: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[def.Name] = &analyzedFlow{def: def, graph: graph, stallTimeout: graph.StallTimeout()}
	return nil
}

// GetFlow implements trigger.FlowRegistry.
func (r *Registry) GetFlow(flowName string) (*domain.FlowDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	af, ok := r.flows[flowName]
	if !ok {
		return nil, false
	}
	return af.def, true
}

func (r *Registry) get(flowName string) (*analyzedFlow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	af, ok := r.flows[flowName]
	return af, ok
}

// Names returns every registered flow name (used by the stall
// detector's startup recovery sweep).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	return names
}

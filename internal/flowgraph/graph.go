package flowgraph

import (
	"sort"
	"strings"

	"github.com/shaiso/flowengine/internal/domain"
)

const stepDependencyPrefix = "step:"

// Node is one step of an analyzed flow, with its resolved dependency
// edges.
type Node struct {
	Name       string
	Step       domain.StepDef
	DependsOn  []string
	Dependents []string
}

// Graph is a flow's dependency graph plus its topological layering.
type Graph struct {
	Nodes map[string]*Node
	// Order is a topological ordering of step names.
	Order []string
	// Levels groups step names into topological layers: every step in
	// Levels[i] has all its dependencies in Levels[0..i-1].
	Levels [][]string
}

// Build resolves every step's subscribes tokens into dependency edges
// and topologically sorts the result. It returns ErrCyclicDependency if
// the resolved edges contain a cycle.
func Build(flow *domain.FlowDef) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node, len(flow.Steps))}
	for name, step := range flow.Steps {
		g.Nodes[name] = &Node{Name: name, Step: step}
	}

	emittersByToken := make(map[string][]string)
	for name, step := range flow.Steps {
		for _, emitted := range step.Emits {
			emittersByToken[emitted] = append(emittersByToken[emitted], name)
		}
	}

	for name, step := range flow.Steps {
		for _, token := range step.Subscribes {
			if strings.HasPrefix(token, stepDependencyPrefix) {
				dep := strings.TrimPrefix(token, stepDependencyPrefix)
				if _, ok := g.Nodes[dep]; ok {
					g.addEdge(dep, name)
				}
				continue
			}
			for _, emitter := range emittersByToken[token] {
				if emitter == name {
					continue
				}
				g.addEdge(emitter, name)
			}
		}
	}

	order, levels, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.Order = order
	g.Levels = levels
	return g, nil
}

func (g *Graph) addEdge(from, to string) {
	fromNode := g.Nodes[from]
	toNode := g.Nodes[to]
	for _, dep := range toNode.DependsOn {
		if dep == from {
			return
		}
	}
	fromNode.Dependents = append(fromNode.Dependents, to)
	toNode.DependsOn = append(toNode.DependsOn, from)
}

// topoSort runs Kahn's algorithm, also grouping nodes into layers by
// the round in which their in-degree reaches zero.
func (g *Graph) topoSort() ([]string, [][]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	names := make([]string, 0, len(g.Nodes))
	for name, node := range g.Nodes {
		inDegree[name] = len(node.DependsOn)
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration for stable output

	var order []string
	var levels [][]string

	current := make([]string, 0)
	for _, name := range names {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		order = append(order, current...)

		var next []string
		for _, name := range current {
			for _, dependent := range g.Nodes[name].Dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if len(order) != len(g.Nodes) {
		return nil, nil, ErrCyclicDependency
	}
	return order, levels, nil
}

// IsLeaf reports whether name has no dependents — a step nothing else
// subscribes to or completion-depends on.
func (g *Graph) IsLeaf(name string) bool {
	node, ok := g.Nodes[name]
	return ok && len(node.Dependents) == 0
}

// DependencySetLayers groups step names sharing an identical dependency
// set, used by critical-layer-failure detection — distinct from the
// numeric topological Levels above, which group by longest-path depth
// instead of exact dependency-set equality.
func (g *Graph) DependencySetLayers() [][]string {
	keyed := make(map[string][]string)
	var order []string
	for _, name := range g.Order {
		key := depSetKey(g.Nodes[name].DependsOn)
		if _, seen := keyed[key]; !seen {
			order = append(order, key)
		}
		keyed[key] = append(keyed[key], name)
	}

	layers := make([][]string, 0, len(order))
	for _, key := range order {
		layers = append(layers, keyed[key])
	}
	return layers
}

func depSetKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

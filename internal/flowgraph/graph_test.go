package flowgraph

import (
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
)

func linearFlow() *domain.FlowDef {
	return &domain.FlowDef{
		Name:      "f1",
		EntryStep: "E",
		Steps: map[string]domain.StepDef{
			"E":  {Name: "E", Emits: []string{"a"}},
			"S1": {Name: "S1", Subscribes: []string{"a"}, Emits: []string{"b"}},
			"S2": {Name: "S2", Subscribes: []string{"b"}},
		},
	}
}

func TestBuildLinearFlowOrdersByDependency(t *testing.T) {
	g, err := Build(linearFlow())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(g.Levels), g.Levels)
	}
	if g.Levels[0][0] != "E" || g.Levels[1][0] != "S1" || g.Levels[2][0] != "S2" {
		t.Fatalf("unexpected level order: %v", g.Levels)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	flow := &domain.FlowDef{
		Steps: map[string]domain.StepDef{
			"A": {Name: "A", Subscribes: []string{"step:B"}, Emits: []string{"x"}},
			"B": {Name: "B", Subscribes: []string{"x"}},
		},
	}
	_, err := Build(flow)
	if err != ErrCyclicDependency {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestDependencySetLayersGroupsSiblings(t *testing.T) {
	flow := &domain.FlowDef{
		Steps: map[string]domain.StepDef{
			"E": {Name: "E", Emits: []string{"x"}},
			"A": {Name: "A", Subscribes: []string{"x"}},
			"B": {Name: "B", Subscribes: []string{"x"}},
		},
	}
	g, err := Build(flow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	layers := g.DependencySetLayers()
	if len(layers) != 2 {
		t.Fatalf("expected 2 dependency-set layers, got %d: %v", len(layers), layers)
	}
	if len(layers[1]) != 2 {
		t.Fatalf("expected A and B grouped into one layer, got %v", layers[1])
	}
}

func TestStallTimeoutDefaultsWhenNoAwaits(t *testing.T) {
	g, err := Build(linearFlow())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.StallTimeout(); got != DefaultStallTimeout {
		t.Fatalf("StallTimeout = %v, want default %v", got, DefaultStallTimeout)
	}
}

func TestStallTimeoutSumsLayersWithAwaits(t *testing.T) {
	flow := &domain.FlowDef{
		Steps: map[string]domain.StepDef{
			"E": {
				Name:        "E",
				Emits:       []string{"a"},
				StepTimeout: time.Minute,
				AwaitAfter:  &domain.AwaitConfig{Type: domain.AwaitTime, Delay: time.Minute},
			},
			"S": {
				Name:        "S",
				Subscribes:  []string{"a"},
				StepTimeout: 2 * time.Minute,
			},
		},
	}
	g, err := Build(flow)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := g.StallTimeout()
	if got <= 4*time.Minute {
		t.Fatalf("StallTimeout = %v, expected more than the unbuffered 4m sum", got)
	}
}

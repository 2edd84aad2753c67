// Package flowgraph turns a domain.FlowDef into an "analyzed flow": a
// dependency graph over step names derived from subscribes/emits
// rather than an explicit depends_on list, its topological layers, and
// the flow's stallTimeout.
//
// A step S depends on step T if either:
//   - S subscribes to a token T emits, or
//   - S subscribes to "step:T" (an explicit completion dependency).
//
// A subscribe token matching neither is assumed to be satisfied by
// external trigger data (the entry step's usual case) and contributes
// no graph edge.
package flowgraph

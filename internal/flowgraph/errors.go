package flowgraph

import "errors"

// ErrCyclicDependency is returned by Build when the subscribes/emits
// token graph contains a cycle.
var ErrCyclicDependency = errors.New("flowgraph: cyclic dependency between steps")

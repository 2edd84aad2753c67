package stepkit

import "context"

// TransformExecutor runs the "transform" worker id: it returns input
// unchanged as the step's output, a pass-through used to reshape data
// between steps via the orchestrator's subscription payload resolution
// rather than any code of its own.
type TransformExecutor struct{}

func (e *TransformExecutor) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

package stepkit

import (
	"context"
	"time"
)

// DelayExecutor runs the "delay" worker id: it waits duration_sec
// seconds (default 1), honoring ctx cancellation.
type DelayExecutor struct{}

func (e *DelayExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	durationSec := 1.0
	if v, ok := input["duration_sec"]; ok {
		switch n := v.(type) {
		case float64:
			durationSec = n
		case int:
			durationSec = float64(n)
		}
	}
	if durationSec <= 0 {
		durationSec = 1
	}

	select {
	case <-time.After(time.Duration(durationSec * float64(time.Second))):
		return map[string]any{"delayed_sec": durationSec}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

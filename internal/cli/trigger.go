package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaiso/flowengine/internal/bootstrap"
	"github.com/shaiso/flowengine/internal/domain"
)

// NewTriggerCmd groups the trigger-firing subcommands.
func NewTriggerCmd(engineFn func() *bootstrap.Engine, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire a registered trigger",
	}
	cmd.AddCommand(newTriggerFireCmd(engineFn, outputFn))
	return cmd
}

func newTriggerFireCmd(engineFn func() *bootstrap.Engine, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire <name>",
		Short: "Publish trigger.fired for a registered trigger, starting every auto-subscribed flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engineFn()
			name := args[0]
			if _, ok := e.Runtime.GetTrigger(name); !ok {
				return fmt.Errorf("flowctl: trigger %q is not registered", name)
			}
			e.Bus.Publish(cmd.Context(), domain.Event{
				Type: domain.EventTriggerFired,
				Data: map[string]any{"name": name},
			})
			outputFn().Line("fired trigger %q", name)
			return nil
		},
	}
	return cmd
}

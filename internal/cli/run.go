package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/shaiso/flowengine/internal/bootstrap"
	"github.com/shaiso/flowengine/internal/domain"
)

var errMissingFlowFlag = errors.New("flowctl: --flow is required to cancel a run")

// NewRunCmd groups the run-management subcommands.
func NewRunCmd(engineFn func() *bootstrap.Engine, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage flow runs",
	}
	cmd.AddCommand(newRunCancelCmd(engineFn, outputFn))
	return cmd
}

func newRunCancelCmd(engineFn func() *bootstrap.Engine, outputFn func() *Output) *cobra.Command {
	var flowName string

	cmd := &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Publish flow.cancel for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flowName == "" {
				return errMissingFlowFlag
			}
			e := engineFn()
			runID := args[0]
			e.Bus.Publish(cmd.Context(), domain.Event{
				Type:     domain.EventFlowCancel,
				RunID:    runID,
				FlowName: flowName,
			})
			outputFn().Line("canceled run %q", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&flowName, "flow", "", "flow name the run belongs to (required)")
	return cmd
}

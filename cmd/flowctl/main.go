// flowctl is a thin operator CLI over a directly wired flowengine
// Engine: schedule list, trigger fire and run cancel, the way
// shaiso-Automata's cmd/automata-cli structured cobra subcommands
// around its own HTTP client (internal/cli/client.go), except flowctl
// talks to the wired adapters in-process rather than over HTTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/flowengine/internal/bootstrap"
	"github.com/shaiso/flowengine/internal/cli"
)

var version = "dev"

func main() {
	var jsonOutput bool
	var engine *bootstrap.Engine

	rootCmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "flowctl — operate a flowengine deployment",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap.New(cmd.Context(), bootstrap.ConfigFromEnv())
			if err != nil {
				return err
			}
			engine = e
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	engineFn := func() *bootstrap.Engine { return engine }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewScheduleCmd(engineFn, outputFn),
		cli.NewTriggerCmd(engineFn, outputFn),
		cli.NewRunCmd(engineFn, outputFn),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
